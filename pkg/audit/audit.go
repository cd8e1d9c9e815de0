// Package audit keeps the full history of vault, credential and automation
// events as an HMAC-chained JSONL journal.
//
// Records never contain secrets. Subjects (account and credential ids) are
// stored as keyed HMACs so the journal can be correlated without revealing
// which entries exist.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/internal/diskspace"
)

// MinAuditDiskSpace is the free space required before appending a record.
const MinAuditDiskSpace = 1024 * 1024

const (
	metaFileName = "audit.meta"
	genesis      = "genesis"
	hkdfInfo     = "sentinel-audit-v1"
)

// Operations recorded in the journal.
const (
	OpMasterSet      = "vault.master_set"
	OpMasterChange   = "vault.master_change"
	OpUnlock         = "vault.unlock"
	OpUnlockFailed   = "vault.unlock_failed"
	OpLock           = "vault.lock"
	OpVaultExport    = "vault.export"
	OpVaultImport    = "vault.import"
	OpAccountAdd     = "account.add"
	OpAccountUpdate  = "account.update_password"
	OpAccountRemove  = "account.remove"
	OpCredentialSave = "credential.save"
	OpCredentialDel  = "credential.delete"
	OpCredentialView = "credential.reveal"
	OpSnapshotExport = "credential.export"
	OpSnapshotImport = "credential.import"
	OpKeyShow        = "key.show"
	OpExternalImport = "import.external"
	OpCompromised    = "breach.compromised"
	OpResetStart     = "reset.start"
	OpResetComplete  = "reset.complete"
	OpResetFailed    = "reset.failed"
)

// Sources identify what initiated an operation.
const (
	SourceCLI    = "cli"
	SourceEngine = "engine"
	SourceIdle   = "idle"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

var (
	// ErrNoHMACKey is returned when writing or verifying before SetHMACKey.
	ErrNoHMACKey = errors.New("audit: HMAC key not set")
)

// Event is one journal record.
type Event struct {
	Version   int               `json:"v"`
	ID        string            `json:"id"`
	Timestamp string            `json:"ts"`
	Operation string            `json:"op"`
	Subject   string            `json:"subject,omitempty"`
	Source    string            `json:"source"`
	SessionID string            `json:"session"`
	Result    string            `json:"result"`
	Error     string            `json:"error,omitempty"`
	Context   map[string]string `json:"ctx,omitempty"`
	Chain     Chain             `json:"chain"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets the clock used for timestamps and file rotation.
func WithClock(c clock.Clock) Option {
	return func(l *Logger) { l.clock = c }
}

// Logger appends events to monthly JSONL files under a directory.
type Logger struct {
	path      string
	clock     clock.Clock
	sessionID string

	mu       sync.Mutex
	hmacKey  []byte
	sequence int64
	prevHash string
}

// NewLogger returns a Logger writing under path.
func NewLogger(path string, opts ...Option) *Logger {
	l := &Logger{
		path:      path,
		clock:     clock.Real(),
		sessionID: newSessionID(),
		prevHash:  genesis,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the journal directory.
func (l *Logger) Path() string { return l.path }

// SetHMACKey derives the journal key from key with HKDF-SHA256 and loads
// the persisted chain position.
func (l *Logger) SetHMACKey(key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	derived := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, key, nil, []byte(hkdfInfo)).Read(derived); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = derived

	if err := l.loadChainState(); err != nil {
		// First run.
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, subject string) error {
	return l.Log(op, source, ResultSuccess, subject, "", nil)
}

// LogError records a failed operation. msg must not contain secrets.
func (l *Logger) LogError(op, source, subject, msg string) error {
	return l.Log(op, source, ResultError, subject, msg, nil)
}

// Log appends one event.
func (l *Logger) Log(op, source, result, subject, errMsg string, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrNoHMACKey
	}
	if err := os.MkdirAll(l.path, 0o700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	// A failed probe never blocks auditing.
	if info, err := diskspace.Probe(l.path); err == nil && info.Available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			info.Available, MinAuditDiskSpace)
	}

	now := l.clock.Now().UTC()
	event := Event{
		Version:   1,
		ID:        newEventID(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errMsg,
		Context:   ctx,
	}
	if subject != "" {
		event.Subject = l.mac([]byte(subject))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.mac(recordData(&event))

	if err := l.appendEvent(now, &event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

func (l *Logger) mac(data []byte) string {
	m := hmac.New(sha256.New, l.hmacKey)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}

// recordData is the canonical byte form covered by the chain HMAC.
func recordData(e *Event) []byte {
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ctx strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&ctx, "%s=%s|", k, e.Context[k])
	}

	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Subject, e.Source,
		e.SessionID, e.Result, e.Error, ctx.String(),
		e.Chain.Sequence, e.Chain.PrevHash,
	))
}

func (l *Logger) appendEvent(now time.Time, e *Event) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFileName), data, 0o600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	RecordsTotal int      `json:"records_total"`
	Errors       []string `json:"errors,omitempty"`
}

// Verify walks every record and checks sequence, linkage and HMAC.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrNoHMACKey
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, RecordsTotal: len(events)}
	prev, seq := genesis, int64(1)
	for i := range events {
		e := &events[i]
		if e.Chain.Sequence != seq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("sequence gap at record %s: expected %d, got %d", e.ID, seq, e.Chain.Sequence))
		}
		if e.Chain.PrevHash != prev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("chain broken at record %s", e.ID))
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.mac(recordData(e)))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("HMAC mismatch at record %s: possible tampering", e.ID))
		}
		prev = e.Chain.HMAC
		seq++
	}
	return result, nil
}

// ListEvents returns the most recent events, oldest first. limit <= 0
// returns all; a zero since disables the time filter.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err == nil && ts.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically.
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, fmt.Errorf("audit: failed to parse %s: %w", file, err)
			}
			events = append(events, e)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
	}
	return events, nil
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

// newEventID returns a time-ordered UUIDv7.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
