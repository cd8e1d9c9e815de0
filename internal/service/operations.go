package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/forest6511/sentinel/internal/automation"
	"github.com/forest6511/sentinel/pkg/audit"
	"github.com/forest6511/sentinel/pkg/credential"
	"github.com/forest6511/sentinel/pkg/importer"
	"github.com/forest6511/sentinel/pkg/keymgr"
	"github.com/forest6511/sentinel/pkg/security"
	"github.com/forest6511/sentinel/pkg/vault"
)

// VaultStatus reports the vault format and lock state.
func (s *Service) VaultStatus() (*vault.Status, error) {
	return s.vault.Status()
}

// ListAccounts returns the vault accounts.
func (s *Service) ListAccounts() ([]vault.Account, error) {
	s.touch()
	return s.vault.ListAccounts()
}

// AddAccount stores a new vault account.
func (s *Service) AddAccount(in vault.NewAccount) (vault.Account, error) {
	s.touch()
	a, err := s.vault.AddAccount(in)
	s.record(audit.OpAccountAdd, s.source, string(a.ID), err)
	return a, err
}

// UpdateAccountPassword replaces the password of a vault account.
func (s *Service) UpdateAccountPassword(id vault.AccountID, password string) (vault.Account, error) {
	s.touch()
	a, err := s.vault.UpdatePassword(id, password)
	s.record(audit.OpAccountUpdate, s.source, string(id), err)
	return a, err
}

// RemoveAccount deletes a vault account.
func (s *Service) RemoveAccount(id vault.AccountID) error {
	s.touch()
	err := s.vault.RemoveAccount(id)
	s.record(audit.OpAccountRemove, s.source, string(id), err)
	return err
}

// SetMasterPassword encrypts the vault for the first time.
func (s *Service) SetMasterPassword(password string) error {
	s.touch()
	err := s.vault.SetMasterPassword(password)
	s.record(audit.OpMasterSet, s.source, "", err)
	return err
}

// Unlock opens the encrypted vault.
func (s *Service) Unlock(password string) error {
	s.touch()
	err := s.vault.Unlock(password)
	if err != nil {
		s.record(audit.OpUnlockFailed, s.source, "", err)
		return err
	}
	s.record(audit.OpUnlock, s.source, "", nil)
	return nil
}

// Lock discards the master password.
func (s *Service) Lock() {
	s.vault.Lock()
	s.record(audit.OpLock, s.source, "", nil)
}

// ChangeMasterPassword re-encrypts the vault under a new password.
func (s *Service) ChangeMasterPassword(oldPassword, newPassword string) error {
	s.touch()
	err := s.vault.ChangeMasterPassword(oldPassword, newPassword)
	s.record(audit.OpMasterChange, s.source, "", err)
	return err
}

// ExportVault writes the raw vault file to w.
func (s *Service) ExportVault(w io.Writer) (vault.Format, error) {
	s.touch()
	format, err := s.vault.Export(w)
	s.record(audit.OpVaultExport, s.source, string(format), err)
	return format, err
}

// ImportVault replaces the vault with the document read from r.
func (s *Service) ImportVault(r io.Reader) (vault.Format, error) {
	s.touch()
	format, err := s.vault.Import(r)
	s.record(audit.OpVaultImport, s.source, string(format), err)
	return format, err
}

// ListCredentials returns every stored credential, still encrypted.
func (s *Service) ListCredentials(ctx context.Context) ([]credential.Credential, error) {
	s.touch()
	return s.repo.FetchAll(ctx)
}

// GetCredential returns one credential, still encrypted.
func (s *Service) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	s.touch()
	return s.repo.Get(ctx, id)
}

// SaveCredential inserts or updates a credential.
func (s *Service) SaveCredential(ctx context.Context, in credential.Input) (*credential.Credential, error) {
	s.touch()
	c, err := s.repo.Upsert(ctx, in)
	subject := in.ID
	if c != nil {
		subject = c.ID
	}
	s.record(audit.OpCredentialSave, s.source, subject, err)
	return c, err
}

// DeleteCredential removes a credential.
func (s *Service) DeleteCredential(ctx context.Context, id string) error {
	s.touch()
	err := s.repo.Delete(ctx, id)
	s.record(audit.OpCredentialDel, s.source, id, err)
	return err
}

// ExportCredentials returns the encrypted snapshot of every credential.
func (s *Service) ExportCredentials(ctx context.Context) ([]byte, error) {
	s.touch()
	data, err := s.repo.ExportSnapshot(ctx)
	s.record(audit.OpSnapshotExport, s.source, "", err)
	return data, err
}

// ImportCredentials upserts every credential of a snapshot.
func (s *Service) ImportCredentials(ctx context.Context, data []byte) (int, error) {
	s.touch()
	n, err := s.repo.ImportSnapshot(ctx, data)
	s.record(audit.OpSnapshotImport, s.source, "", err)
	return n, err
}

// RevealedCredential is a credential with its secrets decrypted.
type RevealedCredential struct {
	Credential *credential.Credential
	Password   string
	Notes      string
}

// RevealCredential decrypts the password and notes of one credential.
func (s *Service) RevealCredential(ctx context.Context, id string) (*RevealedCredential, error) {
	s.touch()
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &RevealedCredential{Credential: c}
	if out.Password, err = s.repo.DecryptPassword(c); err == nil {
		out.Notes, err = s.repo.DecryptNotes(c)
	}
	s.record(audit.OpCredentialView, s.source, id, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptionKey returns the hex process key and where it came from.
func (s *Service) EncryptionKey() (string, keymgr.Source, error) {
	key, err := s.keys.HexKey()
	s.record(audit.OpKeyShow, s.source, string(s.keys.Source()), err)
	return key, s.keys.Source(), err
}

// AutomationLogs returns the retained automation log entries.
func (s *Service) AutomationLogs() []automation.LogEntry {
	return s.engine.Logs()
}

// ScanNow runs one breach scan outside the schedule.
func (s *Service) ScanNow(ctx context.Context) error {
	s.touch()
	return s.engine.Scan(ctx)
}

// TriggerReset runs a reset flow for one credential now.
func (s *Service) TriggerReset(ctx context.Context, id string) error {
	s.touch()
	return s.engine.TriggerResetFlow(ctx, id)
}

// SecurityReport scores password strength and reuse across the stored
// credentials and, when readable, the vault accounts.
func (s *Service) SecurityReport(ctx context.Context) (*security.SecurityScore, error) {
	creds, err := s.repo.FetchAll(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]security.Entry, 0, len(creds))
	for i := range creds {
		pw, err := s.repo.DecryptPassword(&creds[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, security.Entry{ID: creds[i].ID, Name: creds[i].Name, Password: pw})
	}

	accounts, err := s.vault.ListAccounts()
	switch {
	case errors.Is(err, vault.ErrVaultLocked):
		s.logger.Debug().Msg("vault locked, report covers credentials only")
	case err != nil:
		return nil, err
	default:
		for _, a := range accounts {
			entries = append(entries, security.Entry{ID: string(a.ID), Name: a.Site, Password: a.Password})
		}
	}

	return security.NewAnalyzer().Analyze(entries)
}

// ImportTarget selects where ImportLogins stores imported logins.
type ImportTarget string

const (
	ImportToCredentials ImportTarget = "credentials"
	ImportToVault       ImportTarget = "vault"
)

// ImportLogins stores logins parsed from another password manager's export.
// Credentials keep the URL and notes in their encrypted notes and are
// stored one by one; the first failure stops the import. Vault accounts are
// keyed by the URL hostname and written all at once. The count of stored
// logins is returned either way.
func (s *Service) ImportLogins(ctx context.Context, source importer.Source, logins []importer.Login, target ImportTarget) (int, error) {
	s.touch()
	var n int
	var err error
	switch target {
	case ImportToCredentials:
		n, err = s.importCredentials(ctx, logins)
	case ImportToVault:
		n, err = s.importAccounts(logins)
	default:
		err = fmt.Errorf("service: unknown import target %q", target)
	}
	s.record(audit.OpExternalImport, s.source, fmt.Sprintf("%s:%s:%d", source, target, n), err)
	return n, err
}

func (s *Service) importCredentials(ctx context.Context, logins []importer.Login) (int, error) {
	for i, l := range logins {
		password := l.Password
		notes := strings.TrimSpace(urlNote(l.URL) + "\n" + l.Notes)
		_, err := s.repo.Upsert(ctx, credential.Input{
			Name:     l.Name,
			Username: l.Username,
			Password: &password,
			Notes:    &notes,
		})
		if err != nil {
			return i, fmt.Errorf("import %q: %w", l.Name, err)
		}
	}
	return len(logins), nil
}

func (s *Service) importAccounts(logins []importer.Login) (int, error) {
	accounts := make([]vault.NewAccount, len(logins))
	for i, l := range logins {
		accounts[i] = vault.NewAccount{Site: l.Site(), Username: l.Username, Password: l.Password}
	}
	if _, err := s.vault.AddAccounts(accounts); err != nil {
		return 0, err
	}
	return len(logins), nil
}

func urlNote(u string) string {
	if u == "" {
		return ""
	}
	return "URL: " + u
}
