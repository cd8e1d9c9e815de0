// Package backup writes and restores encrypted snapshots of a data
// directory.
package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the file is not a backup.
	ErrInvalidMagic = errors.New("invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported backup format version")

	// ErrIntegrityFailed indicates the HMAC verification failed, which is
	// also what a wrong password looks like.
	ErrIntegrityFailed = errors.New("backup integrity check failed: wrong password or modified file")

	// ErrDecryptionFailed indicates the payload did not decrypt.
	ErrDecryptionFailed = errors.New("backup decryption failed")

	// ErrTruncated indicates the file ends before the payload or HMAC.
	ErrTruncated = errors.New("backup file truncated")

	// ErrConflict indicates a restore target already exists.
	ErrConflict = errors.New("restore conflict: file already exists")

	// ErrUnsafePath indicates a payload entry escapes the data directory.
	ErrUnsafePath = errors.New("backup entry has an unsafe path")

	// ErrInvalidKeyFile indicates the key file is invalid or wrong size.
	ErrInvalidKeyFile = errors.New("invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassword indicates an empty password was provided.
	ErrEmptyPassword = errors.New("password cannot be empty")

	// ErrNoKey indicates neither a password nor a key file was given.
	ErrNoKey = errors.New("password or key file is required")
)
