package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// NewAccount is the input to AddAccount.
type NewAccount struct {
	Site     string
	Username string
	Password string
}

// loaded is a document together with what is needed to write it back in the
// same format. For envelopes the salt and KDF are reused.
type loaded struct {
	doc    *Document
	format Format
	salt   []byte
	kdf    string
}

// load re-reads the active document from disk. Encrypted vaults require the
// in-memory password.
func (v *Vault) load() (*loaded, error) {
	format, err := v.resolveFormat()
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatEncrypted:
		if v.password == nil {
			return nil, ErrVaultLocked
		}
		env, d, err := v.readEnvelope()
		if err != nil {
			return nil, err
		}
		doc, err := openEnvelope(env, v.password)
		if err != nil {
			return nil, err
		}
		return &loaded{doc: doc, format: FormatEncrypted, salt: d.salt, kdf: env.KDF}, nil
	default:
		doc, err := v.readPlaintext()
		if err != nil {
			return nil, err
		}
		return &loaded{doc: doc, format: FormatPlaintext}, nil
	}
}

func (v *Vault) store(l *loaded) error {
	if l.format != FormatEncrypted {
		return v.writePlaintext(l.doc)
	}
	env, err := sealEnvelope(l.doc, v.password, l.salt, l.kdf)
	if err != nil {
		return err
	}
	return v.writeEnvelope(env, l.salt)
}

// ListAccounts returns every account in the vault.
func (v *Vault) ListAccounts() ([]Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, err := v.load()
	if err != nil {
		return nil, err
	}
	return l.doc.Accounts, nil
}

// AddAccount appends an account with a fresh id.
func (v *Vault) AddAccount(in NewAccount) (Account, error) {
	added, err := v.AddAccounts([]NewAccount{in})
	if err != nil {
		return Account{}, err
	}
	return added[0], nil
}

// AddAccounts appends every account in a single write. Either all are
// stored or none are.
func (v *Vault) AddAccounts(in []NewAccount) ([]Account, error) {
	for _, a := range in {
		if strings.TrimSpace(a.Site) == "" {
			return nil, fmt.Errorf("vault: site is required")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	l, err := v.load()
	if err != nil {
		return nil, err
	}

	now := v.clock.Now().UTC()
	added := make([]Account, 0, len(in))
	for _, a := range in {
		added = append(added, Account{
			ID:        AccountID(v.newID()),
			Site:      a.Site,
			Username:  a.Username,
			Password:  a.Password,
			UpdatedAt: now,
		})
	}
	l.doc.Accounts = append(l.doc.Accounts, added...)
	if err := v.store(l); err != nil {
		return nil, err
	}
	return added, nil
}

// UpdatePassword replaces the password of the account with the given id.
func (v *Vault) UpdatePassword(id AccountID, password string) (Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, err := v.load()
	if err != nil {
		return Account{}, err
	}

	for i := range l.doc.Accounts {
		a := &l.doc.Accounts[i]
		if a.ID != id {
			continue
		}
		a.Password = password
		a.UpdatedAt = v.clock.Now().UTC()
		if err := v.store(l); err != nil {
			return Account{}, err
		}
		return *a, nil
	}
	return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
}

// RemoveAccount deletes the account with the given id. Removing an unknown
// id is not an error and writes nothing.
func (v *Vault) RemoveAccount(id AccountID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, err := v.load()
	if err != nil {
		return err
	}

	kept := l.doc.Accounts[:0]
	for _, a := range l.doc.Accounts {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(l.doc.Accounts) {
		return nil
	}
	l.doc.Accounts = kept
	return v.store(l)
}

// Export copies the on-disk file of the active format to w. Envelopes are
// exported as ciphertext, so no unlock is needed.
func (v *Vault) Export(w io.Writer) (Format, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	format, err := v.resolveFormat()
	if err != nil {
		return FormatNone, err
	}

	var name string
	switch format {
	case FormatEncrypted:
		name = EncryptedFileName
		if _, _, err := v.readEnvelope(); err != nil {
			return FormatNone, err
		}
	case FormatPlaintext:
		name = PlaintextFileName
	default:
		format, name = FormatPlaintext, PlaintextFileName
	}

	data, err := os.ReadFile(v.file(name))
	if os.IsNotExist(err) && format == FormatPlaintext {
		data, err = encodeDocument(&Document{Accounts: []Account{}})
	}
	if err != nil {
		return FormatNone, fmt.Errorf("vault: failed to read %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return FormatNone, fmt.Errorf("vault: failed to export: %w", err)
	}
	return format, nil
}

// Import replaces the vault with a document produced by Export. An envelope
// replaces the encrypted file and leaves the vault locked; a plaintext
// document is refused once the vault is encrypted.
func (v *Vault) Import(r io.Reader) (Format, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImportSize+1))
	if err != nil {
		return FormatNone, fmt.Errorf("vault: failed to read import: %w", err)
	}
	if len(data) > MaxImportSize {
		return FormatNone, fmt.Errorf("%w: import exceeds %d bytes", ErrVaultCorrupted, MaxImportSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	current, err := v.resolveFormat()
	if err != nil {
		return FormatNone, err
	}

	if isEnvelope(data) {
		_, d, err := parseEnvelope(data)
		if err != nil {
			return FormatNone, err
		}
		if err := v.writeFile(EncryptedFileName, data); err != nil {
			return FormatNone, err
		}
		if err := v.writeMeta(FormatEncrypted, d.salt); err != nil {
			return FormatNone, err
		}
		if plain := v.file(PlaintextFileName); fileExists(plain) {
			if err := os.Rename(plain, plain+BackupSuffix); err != nil {
				v.logger.Warn().Err(err).Msg("failed to move plaintext vault to backup")
			}
		}
		v.setPassword(nil)
		return FormatEncrypted, nil
	}

	if current == FormatEncrypted {
		return FormatNone, ErrAlreadyEncrypted
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return FormatNone, err
	}
	for _, a := range doc.Accounts {
		if a.ID == "" {
			return FormatNone, fmt.Errorf("%w: account without id", ErrVaultCorrupted)
		}
	}
	if err := v.writePlaintext(doc); err != nil {
		return FormatNone, err
	}
	return FormatPlaintext, nil
}

// isEnvelope reports whether data looks like an envelope rather than a
// plaintext document.
func isEnvelope(data []byte) bool {
	var probe struct {
		Version  *int             `json:"v"`
		Accounts *json.RawMessage `json:"accounts"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &probe); err != nil {
		return false
	}
	return probe.Version != nil && probe.Accounts == nil
}
