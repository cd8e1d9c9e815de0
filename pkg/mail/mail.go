// Package mail looks up verification codes in the most recent INBOX message
// over IMAP.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
)

// DefaultSubject is reported when the message has no subject.
const DefaultSubject = "Verification code"

const maxMessageSize = 4 << 20

// DefaultPattern matches a six-digit code.
var DefaultPattern = regexp.MustCompile(`(\d{6})`)

// ErrUnavailable is returned when the mailbox cannot be reached or read.
var ErrUnavailable = errors.New("mail: service unavailable")

// VerificationCode is a code found in a message.
type VerificationCode struct {
	Code       string
	ReceivedAt time.Time
	Subject    string
}

// CodeFinder returns the verification code in the newest message, or nil
// when that message carries none.
type CodeFinder interface {
	FetchLatestVerificationCode(ctx context.Context, pattern *regexp.Regexp) (*VerificationCode, error)
}

// Config holds the IMAP connection parameters.
type Config struct {
	Host     string
	Port     int
	Secure   bool
	User     string
	Password string
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTLSConfig overrides the TLS configuration for secure connections.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tls = cfg }
}

// WithTimeout bounds each IMAP command.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client is an IMAP CodeFinder. It opens a fresh session per lookup.
type Client struct {
	cfg     Config
	tls     *tls.Config
	timeout time.Duration
	logger  zerolog.Logger
}

// Compile-time interface satisfaction check.
var _ CodeFinder = (*Client)(nil)

// NewClient returns a Client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		timeout: 30 * time.Second,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tls == nil {
		c.tls = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return c
}

// FetchLatestVerificationCode reads the newest INBOX message and matches it
// against pattern (DefaultPattern when nil). It returns nil, nil when the
// inbox is empty or the message has no match.
func (c *Client) FetchLatestVerificationCode(ctx context.Context, pattern *regexp.Regexp) (*VerificationCode, error) {
	if pattern == nil {
		pattern = DefaultPattern
	}

	msg, err := c.fetchLatest(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("host", c.cfg.Host).Msg("failed to fetch verification code")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if msg == nil {
		return nil, nil
	}
	return ExtractCode(msg, pattern), nil
}

// Message is the part of a mail message a code lookup needs.
type Message struct {
	Body    string
	Subject string
	Date    time.Time
}

// ExtractCode returns the first match of pattern in msg.Body: capture group
// 1 when the pattern has one, the whole match otherwise.
func ExtractCode(msg *Message, pattern *regexp.Regexp) *VerificationCode {
	m := pattern.FindStringSubmatch(msg.Body)
	if m == nil {
		return nil
	}
	code := m[0]
	if len(m) > 1 {
		code = m[1]
	}

	subject := msg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &VerificationCode{Code: code, ReceivedAt: msg.Date, Subject: subject}
}

func (c *Client) dial() (*client.Client, error) {
	if c.cfg.Secure {
		return client.DialTLS(c.cfg.Addr(), c.tls)
	}
	return client.Dial(c.cfg.Addr())
}

func (c *Client) fetchLatest(ctx context.Context) (*Message, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.cfg.Addr(), err)
	}
	conn.Timeout = c.timeout
	defer func() { _ = conn.Logout() }()

	// go-imap has no context support; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Terminate() })
	defer stop()

	if err := conn.Login(c.cfg.User, c.cfg.Password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.logger.Debug().Str("host", c.cfg.Host).Msg("connected to IMAP server")

	mbox, err := conn.Select("INBOX", true)
	if err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(mbox.Messages)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- conn.Fetch(seqset, items, messages)
	}()

	var latest *imap.Message
	for m := range messages {
		latest = m
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}

	msg := &Message{}
	if latest.Envelope != nil {
		msg.Subject = latest.Envelope.Subject
		msg.Date = latest.Envelope.Date
	}
	if body := latest.GetBody(section); body != nil {
		data, err := io.ReadAll(io.LimitReader(body, maxMessageSize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		msg.Body = string(data)
	}
	return msg, nil
}
