package backup

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/pkg/crypto"
)

// File layout:
//
//	magic(8) | header length(4) | header JSON | payload length(4) | payload | HMAC(32)
//
// The payload is AES-256-GCM sealed JSON. The HMAC covers everything before it.

// Options configures a backup.
type Options struct {
	// Files are data-directory-relative files to include. Missing files are
	// skipped.
	Files []string
	// AuditDir is the data-directory-relative audit journal directory.
	AuditDir string
	// IncludeAudit includes every file under AuditDir.
	IncludeAudit bool
	// Password derives the backup keys.
	Password []byte
	// KeyFile overrides Password.
	KeyFile string
	// Clock stamps the header. Defaults to the real clock.
	Clock clock.Clock
}

// RestoreOptions configures a restore.
type RestoreOptions struct {
	// Files are the data-directory-relative files a backup manages. With
	// Overwrite, the ones absent from the backup are removed so no stale
	// database journal survives next to a restored database.
	Files []string
	// AuditDir is the data-directory-relative audit journal directory.
	AuditDir string
	// WithAudit restores the audit journal, replacing the existing one.
	WithAudit bool
	// Overwrite replaces existing files instead of failing with ErrConflict.
	Overwrite bool
	// DryRun reports what would be restored without writing.
	DryRun bool
	Password []byte
	KeyFile  string
}

// RestoreResult reports a restore.
type RestoreResult struct {
	Files         []string
	AuditRestored bool
	DryRun        bool
}

// VerifyResult reports a verification.
type VerifyResult struct {
	Valid         bool
	Version       int
	CreatedAt     time.Time
	FileCount     int
	IncludesAudit bool
	Error         string
}

// Backup writes an encrypted snapshot of dataDir to w.
func Backup(w io.Writer, dataDir string, opts Options) (*Header, error) {
	if w == nil {
		return nil, fmt.Errorf("output writer is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	header := &Header{
		Version:       FormatVersion,
		CreatedAt:     clk.Now().UTC(),
		IncludesAudit: opts.IncludeAudit,
		ChecksumAlgo:  "sha256",
	}

	var encKey, macKey []byte
	var err error
	switch {
	case opts.KeyFile != "":
		encKey, macKey, err = keyFileKeys(opts.KeyFile)
		header.EncryptionMode = EncryptionModeKey
	case opts.Password != nil:
		var salt []byte
		if salt, err = GenerateSalt(); err != nil {
			return nil, err
		}
		encKey, macKey, err = DeriveBackupKeys(opts.Password, salt)
		header.EncryptionMode = EncryptionModePassword
		header.KDFParams = &KDFParams{
			Salt:        salt,
			Memory:      crypto.Argon2Memory,
			Iterations:  crypto.Argon2Time,
			Parallelism: crypto.Argon2Threads,
		}
	default:
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	payload, err := collect(dataDir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to collect data: %w", err)
	}
	header.FileCount = len(payload.Files)

	plaintext, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)
	sealed, err := encryptPayload(plaintext, encKey)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(sealed))); err != nil {
		return nil, fmt.Errorf("failed to write payload length: %w", err)
	}
	buf.Write(sealed)
	buf.Write(computeHMAC(buf.Bytes(), macKey))

	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	return header, nil
}

// Verify checks a backup's integrity without restoring. Failures are
// reported in the result, not as an error.
func Verify(r io.Reader, password []byte, keyFile string) *VerifyResult {
	header, _, err := open(r, password, keyFile)
	if err != nil {
		return &VerifyResult{Error: err.Error()}
	}
	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		FileCount:     header.FileCount,
		IncludesAudit: header.IncludesAudit,
	}
}

// Restore writes the files of a backup into dataDir. Nothing is written
// unless the whole backup verifies.
func Restore(r io.Reader, dataDir string, opts RestoreOptions) (*RestoreResult, error) {
	_, payload, err := open(r, opts.Password, opts.KeyFile)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{DryRun: opts.DryRun}
	var names []string
	for name := range payload.Files {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return nil, fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
		if inDir(name, opts.AuditDir) {
			if !opts.WithAudit {
				continue
			}
			result.AuditRestored = true
		}
		names = append(names, name)
	}
	sort.Strings(names)
	result.Files = names

	if !opts.Overwrite {
		for _, name := range names {
			if _, err := os.Lstat(filepath.Join(dataDir, filepath.FromSlash(name))); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrConflict, name)
			}
		}
	}
	if opts.DryRun {
		return result, nil
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if result.AuditRestored && opts.AuditDir != "" {
		if err := os.RemoveAll(filepath.Join(dataDir, filepath.FromSlash(opts.AuditDir))); err != nil {
			return nil, fmt.Errorf("failed to clear audit journal: %w", err)
		}
	}
	for _, name := range names {
		if err := writeFile(filepath.Join(dataDir, filepath.FromSlash(name)), payload.Files[name]); err != nil {
			return nil, err
		}
	}
	if opts.Overwrite {
		for _, name := range opts.Files {
			if _, ok := payload.Files[name]; ok {
				continue
			}
			err := os.Remove(filepath.Join(dataDir, filepath.FromSlash(name)))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale %s: %w", name, err)
			}
		}
	}
	return result, nil
}

func collect(dataDir string, opts Options) (*Payload, error) {
	payload := &Payload{Files: make(map[string][]byte)}
	for _, name := range opts.Files {
		data, err := os.ReadFile(filepath.Join(dataDir, filepath.FromSlash(name)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payload.Files[name] = data
	}

	if !opts.IncludeAudit || opts.AuditDir == "" {
		return payload, nil
	}
	root := filepath.Join(dataDir, filepath.FromSlash(opts.AuditDir))
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) && p == root {
			return fs.SkipDir
		}
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dataDir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		payload.Files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// open verifies the HMAC and decrypts the payload.
func open(r io.Reader, password []byte, keyFile string) (*Header, *Payload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read backup: %w", err)
	}
	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}

	var sealedLen uint32
	if err := binary.Read(reader, binary.BigEndian, &sealedLen); err != nil {
		return nil, nil, ErrTruncated
	}
	if reader.Len() < int(sealedLen)+HMACLength {
		return nil, nil, ErrTruncated
	}
	macStart := len(data) - reader.Len() + int(sealedLen)
	sealed := data[macStart-int(sealedLen) : macStart]
	storedMAC := data[macStart : macStart+HMACLength]

	var encKey, macKey []byte
	switch {
	case keyFile != "":
		encKey, macKey, err = keyFileKeys(keyFile)
	case header.EncryptionMode == EncryptionModePassword && header.KDFParams != nil:
		if len(password) == 0 {
			return nil, nil, ErrEmptyPassword
		}
		encKey, macKey, err = DeriveBackupKeys(password, header.KDFParams.Salt)
	case header.EncryptionMode == EncryptionModeKey:
		return nil, nil, fmt.Errorf("backup was made with a key file: %w", ErrNoKey)
	default:
		return nil, nil, ErrNoKey
	}
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !hmac.Equal(computeHMAC(data[:macStart], macKey), storedMAC) {
		return nil, nil, ErrIntegrityFailed
	}
	plaintext, err := decryptPayload(sealed, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := decodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

func keyFileKeys(path string) (encKey, macKey []byte, err error) {
	key, err := ReadKeyFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(key)
	return splitKey(key)
}

func writeFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
	}
	if err := atomic.WriteFile(p, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return os.Chmod(p, 0o600)
}

// inDir reports whether the slash path name lies under dir.
func inDir(name, dir string) bool {
	if dir == "" {
		return false
	}
	return strings.HasPrefix(name, path.Clean(dir)+"/")
}
