package credential

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/pkg/crypto"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// Writer and reader share the same database via cache=shared; the name
// derived from t.Name() isolates tests from each other.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	return setupNamedDB(t, "")
}

// setupNamedDB is setupTestDB for tests that need more than one database.
func setupNamedDB(t *testing.T, suffix string) *DB {
	t.Helper()

	// WAL mode is not applicable to in-memory databases; omit journal_mode.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		url.PathEscape(t.Name()+suffix),
	)

	db, err := openDSN(dsn)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(db.Writer))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCodec() *crypto.Codec {
	key := make([]byte, crypto.KeyLength)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return crypto.NewCodec(crypto.StaticKey(key))
}

func setupTestRepo(t *testing.T) (*Repository, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	return NewRepository(setupTestDB(t), testCodec(), WithClock(fake)), fake
}

func strPtr(s string) *string { return &s }
