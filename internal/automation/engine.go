// Package automation scans stored credentials for breaches on a schedule
// and runs password reset flows for the ones that opted in.
package automation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/pkg/breach"
	"github.com/forest6511/sentinel/pkg/credential"
	"github.com/forest6511/sentinel/pkg/mail"
)

const (
	// DefaultSchedule runs a scan every 15 minutes.
	DefaultSchedule = "@every 15m"
	// PlaceholderPassword replaces the password of a reset credential.
	PlaceholderPassword = "***temporary***"
	// DefaultResetDuration is how long the built-in reset action takes.
	DefaultResetDuration = 3 * time.Second
)

var (
	// ErrResetInProgress is returned when a flow for the credential is already running.
	ErrResetInProgress = errors.New("automation: reset flow already in progress")
	// ErrScanInProgress is returned by Scan while another scan is running.
	ErrScanInProgress = errors.New("automation: scan already in progress")
	// ErrStopping is returned for flows requested after Stop has begun.
	ErrStopping = errors.New("automation: engine is stopping")
	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("automation: engine already started")
)

// Store is the credential storage the engine reads and rewrites.
type Store interface {
	FetchAll(ctx context.Context) ([]credential.Credential, error)
	Get(ctx context.Context, id string) (*credential.Credential, error)
	Upsert(ctx context.Context, in credential.Input) (*credential.Credential, error)
	DecryptNotes(c *credential.Credential) (string, error)
}

// ResetAction performs the site-specific part of a password reset.
type ResetAction func(ctx context.Context, c *credential.Credential) error

// Option configures an Engine.
type Option func(*Engine)

// WithBreachChecker sets the breach-check collaborator.
func WithBreachChecker(c breach.Checker) Option {
	return func(e *Engine) { e.checker = c }
}

// WithAPIKey sets the breach API key. Without one, scans keep the stored status.
func WithAPIKey(key string) Option {
	return func(e *Engine) { e.apiKey = key }
}

// WithMail sets the verification-code collaborator.
func WithMail(m mail.CodeFinder) Option {
	return func(e *Engine) { e.mail = m }
}

// WithCodePattern sets the verification-code pattern passed to the mail collaborator.
func WithCodePattern(p *regexp.Regexp) Option {
	return func(e *Engine) { e.pattern = p }
}

// WithResetAction replaces the built-in reset action.
func WithResetAction(a ResetAction) Option {
	return func(e *Engine) { e.resetAction = a }
}

// WithSchedule sets the cron spec for scheduled scans.
func WithSchedule(spec string) Option {
	return func(e *Engine) { e.schedule = spec }
}

// WithClock sets the clock used for timestamps and the built-in reset action.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEmitter sets the event observer.
func WithEmitter(em EventEmitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithIDGenerator replaces the log entry id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Engine runs breach scans and reset flows.
type Engine struct {
	store       Store
	checker     breach.Checker
	mail        mail.CodeFinder
	pattern     *regexp.Regexp
	resetAction ResetAction
	schedule    string
	clock       clock.Clock
	logger      zerolog.Logger
	emitter     EventEmitter
	newID       func() string

	keyMu  sync.RWMutex
	apiKey string

	logs     *logRing
	flows    flowGuard
	scanning atomic.Bool

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a stopped Engine over store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		pattern:  mail.DefaultPattern,
		schedule: DefaultSchedule,
		clock:    clock.Real(),
		logger:   zerolog.Nop(),
		emitter:  nopEmitter{},
		newID:    uuid.NewString,
		logs:     newLogRing(MaxLogEntries),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetAPIKey replaces the breach API key used by subsequent checks.
func (e *Engine) SetAPIKey(key string) {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	e.apiKey = key
}

func (e *Engine) currentAPIKey() string {
	e.keyMu.RLock()
	defer e.keyMu.RUnlock()
	return e.apiKey
}

// Start schedules recurring scans and runs one immediately in the
// background. Scans run until Stop or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{l: e.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(e.schedule, func() { e.scheduledScan(runCtx, "scheduled") }); err != nil {
		cancel()
		return fmt.Errorf("automation: invalid schedule %q: %w", e.schedule, err)
	}
	e.cron = c
	e.cancel = cancel
	e.flows.resume()

	e.log(runCtx, LevelInfo, SystemCredentialID, "automation engine started")
	c.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduledScan(runCtx, "initial")
	}()
	return nil
}

// Stop halts the scheduler and waits for running scans and flows, or for
// ctx to expire.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron == nil {
		return
	}

	select {
	case <-e.cron.Stop().Done():
	case <-ctx.Done():
	}
	scans := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(scans)
	}()
	select {
	case <-scans:
	case <-ctx.Done():
	}
	e.flows.waitAll(ctx)

	e.cancel()
	e.cron = nil
	e.cancel = nil
}

func (e *Engine) scheduledScan(ctx context.Context, kind string) {
	if err := e.Scan(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
		e.logger.Error().Err(err).Str("kind", kind).Msg("breach scan failed")
	}
}

// Scan checks every credential once. Compromised credentials are marked,
// and those with auto-reset enabled go through a reset flow. Credentials
// whose flow is already running are skipped.
func (e *Engine) Scan(ctx context.Context) error {
	if !e.scanning.CompareAndSwap(false, true) {
		e.log(ctx, LevelWarn, SystemCredentialID, "Scan skipped: previous scan still running")
		return ErrScanInProgress
	}
	defer e.scanning.Store(false)

	creds, err := e.store.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("automation: fetch credentials: %w", err)
	}
	if e.checker == nil || e.currentAPIKey() == "" {
		e.logger.Warn().Msg("HIBP API key not configured, skipping live breach check")
	}

	for i := range creds {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := &creds[i]
		if e.flows.state(c.ID) == FlowInProgress {
			continue
		}
		if !e.isCompromised(ctx, c) {
			continue
		}

		// The check can be slow, so the token is taken after the verdict
		// and the credential re-read under it.
		prev, err := e.flows.tryStart(c.ID)
		if err != nil {
			continue
		}
		current, ok := e.markCompromised(ctx, c)
		if !ok || !current.AutoReset {
			e.flows.release(c.ID, prev)
			continue
		}
		// Failures are logged by the flow itself.
		_ = e.runStarted(ctx, current)
	}
	return nil
}

// markCompromised records a compromised verdict reached for snap. Only the
// breach status of the stored credential changes. The verdict is dropped
// when a reset finished after snap was read. The caller holds the token.
func (e *Engine) markCompromised(ctx context.Context, snap *credential.Credential) (*credential.Credential, bool) {
	current, err := e.store.Get(ctx, snap.ID)
	if err != nil {
		e.logger.Error().Err(err).Str("credential_id", snap.ID).Msg("failed to reload credential")
		return nil, false
	}
	if resetSince(snap, current) {
		e.logger.Debug().Str("credential_id", snap.ID).Msg("credential reset during breach check, verdict dropped")
		return nil, false
	}

	if current.BreachStatus != credential.StatusCompromised {
		in := credential.InputFrom(current)
		in.BreachStatus = credential.StatusCompromised
		updated, err := e.store.Upsert(ctx, in)
		if err != nil {
			e.logger.Error().Err(err).Str("credential_id", snap.ID).Msg("failed to mark credential compromised")
			return nil, false
		}
		current = updated
		e.emit(ctx, EventCompromised, current.ID)
	}
	e.log(ctx, LevelWarn, current.ID, fmt.Sprintf("Credential %s marked as compromised.", current.Name))
	return current, true
}

func resetSince(snap, current *credential.Credential) bool {
	if current.LastResetAt == nil {
		return false
	}
	return snap.LastResetAt == nil || current.LastResetAt.After(*snap.LastResetAt)
}

// isCompromised asks the breach collaborator, falling back to the stored
// status when no API key is set or the service is unavailable.
func (e *Engine) isCompromised(ctx context.Context, c *credential.Credential) bool {
	stored := c.BreachStatus == credential.StatusCompromised
	key := e.currentAPIKey()
	if e.checker == nil || key == "" {
		return stored
	}
	found, err := e.checker.Check(ctx, c.Username, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("credential_id", c.ID).Msg("breach check failed, keeping stored status")
		return stored
	}
	return found
}

// TriggerResetFlow runs a reset flow for id now, outside the schedule.
func (e *Engine) TriggerResetFlow(ctx context.Context, id string) error {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.runFlow(ctx, c)
}

// FlowState returns the state of the most recent flow for id.
func (e *Engine) FlowState(id string) FlowState {
	return e.flows.state(id)
}

// Logs returns the retained log entries, oldest first.
func (e *Engine) Logs() []LogEntry {
	return e.logs.snapshot()
}

func (e *Engine) runFlow(ctx context.Context, c *credential.Credential) error {
	if _, err := e.flows.tryStart(c.ID); err != nil {
		return err
	}
	return e.runStarted(ctx, c)
}

// runStarted runs a flow for c. The caller holds c's token, which is
// returned here.
func (e *Engine) runStarted(ctx context.Context, c *credential.Credential) error {
	e.emit(ctx, EventResetStart, c.ID)

	if err := e.resetFlow(ctx, c); err != nil {
		e.flows.finish(c.ID, FlowFailed)
		e.log(ctx, LevelError, c.ID, "Reset flow failed: "+err.Error())
		e.emit(ctx, EventResetFailed, c.ID)
		return err
	}

	e.flows.finish(c.ID, FlowCompleted)
	e.emit(ctx, EventResetComplete, c.ID)
	e.log(ctx, LevelInfo, c.ID, "Password reset flow complete for "+c.Name)
	return nil
}

// resetFlow performs the reset and rewrites the credential. The credential
// is written once, at the end, so a failure leaves it untouched.
func (e *Engine) resetFlow(ctx context.Context, c *credential.Credential) error {
	e.log(ctx, LevelInfo, c.ID, "Starting reset flow for "+c.Name)

	code := e.lookupCode(ctx, c)

	action := e.resetAction
	if action == nil {
		action = e.waitReset
	}
	if err := action(ctx, c); err != nil {
		return fmt.Errorf("reset action: %w", err)
	}

	current, err := e.store.Get(ctx, c.ID)
	if err != nil {
		return err
	}

	in := credential.InputFrom(current)
	placeholder := PlaceholderPassword
	in.Password = &placeholder
	in.BreachStatus = credential.StatusSafe
	now := e.clock.Now().UTC()
	in.LastResetAt = &now

	if code != nil {
		notes, err := e.store.DecryptNotes(current)
		if err != nil {
			return fmt.Errorf("read notes: %w", err)
		}
		if notes != "" {
			notes += "\n"
		}
		notes += "Verification code " + code.Code
		in.Notes = &notes
	}

	if _, err := e.store.Upsert(ctx, in); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// lookupCode returns nil when no mail collaborator is configured, when it
// fails, or when the newest message has no code.
func (e *Engine) lookupCode(ctx context.Context, c *credential.Credential) *mail.VerificationCode {
	if e.mail == nil {
		return nil
	}
	code, err := e.mail.FetchLatestVerificationCode(ctx, e.pattern)
	if err != nil {
		e.logger.Warn().Err(err).Str("credential_id", c.ID).Msg("verification code lookup failed")
		return nil
	}
	return code
}

func (e *Engine) waitReset(ctx context.Context, _ *credential.Credential) error {
	select {
	case <-e.clock.After(DefaultResetDuration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) log(ctx context.Context, level Level, credentialID, msg string) {
	entry := LogEntry{
		ID:           e.newID(),
		CredentialID: credentialID,
		Message:      msg,
		Timestamp:    e.clock.Now().UTC(),
		Level:        level,
	}
	e.logs.add(entry)
	e.emit(ctx, EventLog, entry)

	var ev *zerolog.Event
	switch level {
	case LevelWarn:
		ev = e.logger.Warn()
	case LevelError:
		ev = e.logger.Error()
	default:
		ev = e.logger.Info()
	}
	ev.Str("credential_id", credentialID).Msg(msg)
}

func (e *Engine) emit(ctx context.Context, event string, data any) {
	e.emitter.Emit(ctx, event, data)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
