// Package service constructs every sentinel component in a fixed order and
// exposes the operations the command line drives.
package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forest6511/sentinel/internal/automation"
	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/internal/config"
	"github.com/forest6511/sentinel/internal/idle"
	"github.com/forest6511/sentinel/pkg/audit"
	"github.com/forest6511/sentinel/pkg/breach"
	"github.com/forest6511/sentinel/pkg/credential"
	"github.com/forest6511/sentinel/pkg/crypto"
	"github.com/forest6511/sentinel/pkg/keymgr"
	"github.com/forest6511/sentinel/pkg/keystore"
	"github.com/forest6511/sentinel/pkg/mail"
	"github.com/forest6511/sentinel/pkg/vault"
)

// ErrAlreadyRunning is returned by Start on a started service.
var ErrAlreadyRunning = errors.New("service: already running")

// Option configures a Service.
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	clock       clock.Clock
	store       keystore.SecretStore
	checker     breach.Checker
	finder      mail.CodeFinder
	resetAction automation.ResetAction
	signals     idle.SignalSource
	signalsSet  bool
	emitter     automation.EventEmitter
	source      string
}

// WithLogger sets the logger handed to every component.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock handed to every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSecretStore replaces the platform secure store.
func WithSecretStore(s keystore.SecretStore) Option {
	return func(o *options) { o.store = s }
}

// WithBreachChecker replaces the HIBP client.
func WithBreachChecker(c breach.Checker) Option {
	return func(o *options) { o.checker = c }
}

// WithCodeFinder replaces the IMAP client.
func WithCodeFinder(f mail.CodeFinder) Option {
	return func(o *options) { o.finder = f }
}

// WithResetAction replaces the engine's built-in reset action.
func WithResetAction(a automation.ResetAction) Option {
	return func(o *options) { o.resetAction = a }
}

// WithSignalSource replaces the OS lock signal source. Nil disables it.
func WithSignalSource(s idle.SignalSource) Option {
	return func(o *options) { o.signals, o.signalsSet = s, true }
}

// WithEmitter receives every automation event after it has been audited.
func WithEmitter(e automation.EventEmitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithAuditSource sets the source recorded for user-initiated operations.
func WithAuditSource(source string) Option {
	return func(o *options) { o.source = source }
}

// Service owns the components. Construct it with New and release it with Close.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	clock  clock.Clock
	source string

	keys      *keymgr.Manager
	keySource keymgr.Source
	codec     *crypto.Codec
	db        *credential.DB
	repo      *credential.Repository
	audit     *audit.Logger
	vault     *vault.Vault
	engine    *automation.Engine
	idle      *idle.Manager
	observer  automation.EventEmitter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the service: settings file, secure store, key manager, codec,
// credential database, repository, audit journal, vault, collaborators,
// automation engine and idle manager, in that order.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	o := options{
		logger: zerolog.Nop(),
		clock:  clock.Real(),
		source: audit.SourceCLI,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:      cfg,
		logger:   o.logger,
		clock:    o.clock,
		source:   o.source,
		observer: o.emitter,
	}

	if cfg.File == nil {
		f, err := config.OpenFile(cfg.SettingsPath())
		if err != nil {
			return nil, err
		}
		cfg.File = f
	}

	store := o.store
	if store == nil {
		store = keystore.Default(keymgr.Service)
	}

	s.keys = keymgr.New(cfg.File, store,
		keymgr.WithEnvKey(cfg.EncryptionKey),
		keymgr.WithEncryptedDataProbe(s.credentialsExist),
		keymgr.WithLogger(o.logger.With().Str("component", "keymgr").Logger()),
	)
	source, err := s.keys.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	s.keySource = source
	s.codec = crypto.NewCodec(s.keys)

	s.db, err = credential.OpenDB(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	s.repo = credential.NewRepository(s.db, s.codec, credential.WithClock(o.clock))

	s.audit = audit.NewLogger(cfg.AuditDir(), audit.WithClock(o.clock))
	key, err := s.keys.Key()
	if err != nil {
		_ = s.db.Close()
		return nil, err
	}
	err = s.audit.SetHMACKey(key)
	crypto.SecureWipe(key)
	if err != nil {
		_ = s.db.Close()
		return nil, err
	}

	s.vault = vault.New(cfg.DataDir,
		vault.WithClock(o.clock),
		vault.WithLogger(o.logger.With().Str("component", "vault").Logger()),
	)

	checker := o.checker
	if checker == nil {
		checker = breach.NewClient(breach.WithLogger(o.logger.With().Str("component", "breach").Logger()))
	}
	finder := o.finder
	if finder == nil && cfg.IMAP.Enabled() {
		finder = mail.NewClient(mail.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Secure:   cfg.IMAP.Secure,
			User:     cfg.IMAP.User,
			Password: cfg.IMAP.Pass,
		}, mail.WithLogger(o.logger.With().Str("component", "mail").Logger()))
	}

	engineOpts := []automation.Option{
		automation.WithBreachChecker(checker),
		automation.WithAPIKey(cfg.HIBPAPIKey),
		automation.WithSchedule("@every " + cfg.ScanInterval.String()),
		automation.WithClock(o.clock),
		automation.WithLogger(o.logger.With().Str("component", "automation").Logger()),
		automation.WithEmitter(automation.EmitterFunc(s.onEngineEvent)),
	}
	if finder != nil {
		engineOpts = append(engineOpts, automation.WithMail(finder))
	}
	if o.resetAction != nil {
		engineOpts = append(engineOpts, automation.WithResetAction(o.resetAction))
	}
	s.engine = automation.New(s.repo, engineOpts...)

	idleOpts := []idle.Option{
		idle.WithClock(o.clock),
		idle.WithThreshold(cfg.IdleThreshold(cfg.File.Settings())),
		idle.WithLogger(o.logger.With().Str("component", "idle").Logger()),
	}
	if o.signalsSet {
		idleOpts = append(idleOpts, idle.WithSignalSource(o.signals))
	}
	s.idle = idle.New(s.lockFromIdle, idleOpts...)

	return s, nil
}

// credentialsExist reports whether the credential database holds rows. It
// runs before the database is opened for the service, so it opens its own
// handle.
func (s *Service) credentialsExist(ctx context.Context) (bool, error) {
	path := s.cfg.DatabasePath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	db, err := credential.OpenDB(path)
	if err != nil {
		return false, err
	}
	defer db.Close()

	n, err := credential.NewRepository(db, nil).Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Start runs the automation engine, the idle manager and the settings
// watcher until Close or until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.engine.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.idle.Start(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.cfg.File.Watch(runCtx, s.applySettings, func(err error) {
			s.logger.Warn().Err(err).Msg("settings reload failed")
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("settings watcher stopped")
		}
	}()

	s.cancel = cancel
	s.running = true
	return nil
}

func (s *Service) applySettings(settings config.Settings) {
	threshold := s.cfg.IdleThreshold(settings)
	if threshold != s.idle.Threshold() {
		s.logger.Info().Dur("threshold", threshold).Msg("idle threshold changed")
		s.idle.SetThreshold(threshold)
	}
}

// Close stops background work and closes the database.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.running {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.engine.Stop(ctx)
		cancel()
		s.idle.Stop()
		s.cancel()
		s.wg.Wait()
		s.running = false
	}
	s.mu.Unlock()

	s.vault.Lock()
	return s.db.Close()
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config { return s.cfg }

// KeySource returns where the encryption key came from.
func (s *Service) KeySource() keymgr.Source { return s.keySource }

// Engine returns the automation engine.
func (s *Service) Engine() *automation.Engine { return s.engine }

// Idle returns the idle lock manager.
func (s *Service) Idle() *idle.Manager { return s.idle }

// Audit returns the audit journal.
func (s *Service) Audit() *audit.Logger { return s.audit }

func (s *Service) lockFromIdle(reason idle.Reason) {
	s.vault.Lock()
	s.record(audit.OpLock, audit.SourceIdle, string(reason), nil)
}

func (s *Service) onEngineEvent(ctx context.Context, event string, data any) {
	id, _ := data.(string)
	switch event {
	case automation.EventCompromised:
		s.record(audit.OpCompromised, audit.SourceEngine, id, nil)
	case automation.EventResetStart:
		s.record(audit.OpResetStart, audit.SourceEngine, id, nil)
	case automation.EventResetComplete:
		s.record(audit.OpResetComplete, audit.SourceEngine, id, nil)
	case automation.EventResetFailed:
		s.record(audit.OpResetFailed, audit.SourceEngine, id, errors.New("reset flow failed"))
	}
	if s.observer != nil {
		s.observer.Emit(ctx, event, data)
	}
}

// record writes an audit entry. Journal failures are logged, never returned:
// the operation itself already happened.
func (s *Service) record(op, source, subject string, opErr error) {
	var err error
	if opErr != nil {
		err = s.audit.LogError(op, source, subject, opErr.Error())
	} else {
		err = s.audit.LogSuccess(op, source, subject)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("op", op).Msg("audit write failed")
	}
}

// touch records user activity for the idle countdown.
func (s *Service) touch() {
	s.idle.RecordActivity()
}
