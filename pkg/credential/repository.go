package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/pkg/crypto"
)

const timeLayout = time.RFC3339Nano

const selectColumns = `id, name, username, password, iv, auth_tag, created_at, updated_at,
	breach_status, last_reset_at, auto_reset, notes, notes_iv, notes_auth_tag`

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithIDGenerator replaces the id generator used for new credentials.
func WithIDGenerator(fn func() string) Option {
	return func(r *Repository) { r.newID = fn }
}

// Repository is the SQLite credential store.
type Repository struct {
	db    *DB
	codec *crypto.Codec
	clock clock.Clock
	newID func() string
}

// NewRepository returns a Repository over db. codec encrypts password and
// notes on write and is used by the Decrypt helpers.
func NewRepository(db *DB, codec *crypto.Codec, opts ...Option) *Repository {
	r := &Repository{
		db:    db,
		codec: codec,
		clock: clock.Real(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert inserts or updates a credential and returns the stored record.
func (r *Repository) Upsert(ctx context.Context, in Input) (*Credential, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}
	status := in.BreachStatus
	if status == "" {
		status = StatusSafe
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: breach status %q", ErrInvalidRecord, status)
	}

	// Encrypt before opening the transaction so the writer is held briefly.
	var password *crypto.EncodedPayload
	if in.Password != nil {
		p, err := r.codec.EncryptString(*in.Password)
		if err != nil {
			return nil, fmt.Errorf("encrypt password: %w", err)
		}
		enc := p.Encode()
		password = &enc
	}
	var notes *crypto.EncodedPayload
	if in.Notes != nil && *in.Notes != "" {
		p, err := r.codec.EncryptString(*in.Notes)
		if err != nil {
			return nil, fmt.Errorf("encrypt notes: %w", err)
		}
		enc := p.Encode()
		notes = &enc
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	id := in.ID
	var existing *Credential
	if id != "" {
		existing, err = scanCredential(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM credentials WHERE id = ?`, id))
		if err != nil && !errors.Is(err, ErrCredentialNotFound) {
			return nil, err
		}
	} else {
		id = r.newID()
	}

	now := r.clock.Now().UTC()
	c := &Credential{
		ID:           id,
		Name:         in.Name,
		Username:     in.Username,
		BreachStatus: status,
		AutoReset:    in.AutoReset,
		LastResetAt:  utcPtr(in.LastResetAt),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	switch {
	case password != nil:
		c.Password = *password
	case existing != nil:
		c.Password = existing.Password
	default:
		return nil, ErrPasswordRequired
	}

	switch {
	case in.Notes == nil && existing != nil:
		c.Notes = existing.Notes
	default:
		c.Notes = notes
	}

	if existing != nil {
		c.CreatedAt = existing.CreatedAt
		if floor := existing.UpdatedAt.Add(time.Millisecond); now.Before(floor) {
			c.UpdatedAt = floor
		}
	}

	if err := upsertRow(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return c, nil
}

const upsertQuery = `INSERT INTO credentials (id, name, username, password, iv, auth_tag, created_at, updated_at,
	breach_status, last_reset_at, auto_reset, notes, notes_iv, notes_auth_tag)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	username = excluded.username,
	password = excluded.password,
	iv = excluded.iv,
	auth_tag = excluded.auth_tag,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	breach_status = excluded.breach_status,
	last_reset_at = excluded.last_reset_at,
	auto_reset = excluded.auto_reset,
	notes = excluded.notes,
	notes_iv = excluded.notes_iv,
	notes_auth_tag = excluded.notes_auth_tag`

func upsertRow(ctx context.Context, tx *sql.Tx, c *Credential) error {
	var lastReset sql.NullString
	if c.LastResetAt != nil {
		lastReset = sql.NullString{String: c.LastResetAt.UTC().Format(timeLayout), Valid: true}
	}
	var notes, notesIV, notesTag sql.NullString
	if c.Notes != nil {
		notes = sql.NullString{String: c.Notes.Ciphertext, Valid: true}
		notesIV = sql.NullString{String: c.Notes.IV, Valid: true}
		notesTag = sql.NullString{String: c.Notes.AuthTag, Valid: true}
	}
	autoReset := 0
	if c.AutoReset {
		autoReset = 1
	}

	_, err := tx.ExecContext(ctx, upsertQuery,
		c.ID, c.Name, c.Username,
		c.Password.Ciphertext, c.Password.IV, c.Password.AuthTag,
		c.CreatedAt.UTC().Format(timeLayout), c.UpdatedAt.UTC().Format(timeLayout),
		string(c.BreachStatus), lastReset, autoReset,
		notes, notesIV, notesTag,
	)
	if err != nil {
		return fmt.Errorf("upsert credential %q: %w", c.ID, err)
	}
	return nil
}

// FetchAll returns every credential with its payloads still encrypted,
// oldest first.
func (r *Repository) FetchAll(ctx context.Context) ([]Credential, error) {
	rows, err := r.db.Reader.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM credentials ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	creds := []Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// Get returns one credential or ErrCredentialNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*Credential, error) {
	return scanCredential(r.db.Reader.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM credentials WHERE id = ?`, id))
}

// Delete removes the credential. Unknown ids are not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Writer.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete credential %q: %w", id, err)
	}
	return nil
}

// Count returns the number of stored credentials.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}

// ExportSnapshot serializes every credential, still encrypted, as a JSON
// array.
func (r *Repository) ExportSnapshot(ctx context.Context) ([]byte, error) {
	creds, err := r.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// ImportSnapshot upserts every record of a snapshot by id in a single
// transaction. Any invalid record aborts the import and nothing is written.
// Records are stored as given, timestamps included.
func (r *Repository) ImportSnapshot(ctx context.Context, data []byte) (int, error) {
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	for i := range creds {
		if err := creds[i].validate(); err != nil {
			return 0, err
		}
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for i := range creds {
		if err := upsertRow(ctx, tx, &creds[i]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return len(creds), nil
}

// DecryptPassword returns the plaintext password of c.
func (r *Repository) DecryptPassword(c *Credential) (string, error) {
	p, err := c.Password.Decode()
	if err != nil {
		return "", err
	}
	return r.codec.DecryptString(p)
}

// DecryptNotes returns the plaintext notes of c, or "" if it has none.
func (r *Repository) DecryptNotes(c *Credential) (string, error) {
	if c.Notes == nil {
		return "", nil
	}
	p, err := c.Notes.Decode()
	if err != nil {
		return "", err
	}
	return r.codec.DecryptString(p)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var (
		c                        Credential
		status                   string
		createdAt, updatedAt     string
		lastReset                sql.NullString
		autoReset                int
		notes, notesIV, notesTag sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &c.Username,
		&c.Password.Ciphertext, &c.Password.IV, &c.Password.AuthTag,
		&createdAt, &updatedAt, &status, &lastReset, &autoReset,
		&notes, &notesIV, &notesTag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	c.BreachStatus = BreachStatus(status)
	c.AutoReset = autoReset != 0
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %q: %w", c.ID, err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %q: %w", c.ID, err)
	}
	if lastReset.Valid {
		t, err := time.Parse(timeLayout, lastReset.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_reset_at for %q: %w", c.ID, err)
		}
		c.LastResetAt = &t
	}
	if notes.Valid {
		c.Notes = &crypto.EncodedPayload{
			Ciphertext: notes.String,
			IV:         notesIV.String,
			AuthTag:    notesTag.String,
		}
	}
	return &c, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
