package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/sentinel/internal/clock"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestLogger(t *testing.T, opts ...Option) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l := NewLogger(dir, opts...)
	if err := l.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	return l, dir
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)

	if l.Path() != dir {
		t.Errorf("expected path %s, got %s", dir, l.Path())
	}
	if l.prevHash != genesis {
		t.Errorf("expected prevHash %q, got %s", genesis, l.prevHash)
	}
	if l.sessionID == "" {
		t.Error("expected non-empty sessionID")
	}
}

func TestLogWithoutHMACKey(t *testing.T) {
	l := NewLogger(t.TempDir())
	if err := l.LogSuccess(OpUnlock, SourceCLI, ""); !errors.Is(err, ErrNoHMACKey) {
		t.Errorf("expected ErrNoHMACKey, got %v", err)
	}
	if _, err := l.Verify(); !errors.Is(err, ErrNoHMACKey) {
		t.Errorf("Verify: expected ErrNoHMACKey, got %v", err)
	}
}

func TestLogSuccess(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))
	l, dir := newTestLogger(t, WithClock(fake))

	if err := l.LogSuccess(OpAccountAdd, SourceCLI, "acct-1"); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "2026-03.jsonl"))
	if err != nil {
		t.Fatalf("expected monthly log file: %v", err)
	}

	var e Event
	if err := json.Unmarshal(bytes.TrimSpace(data), &e); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if e.Version != 1 || e.Operation != OpAccountAdd || e.Result != ResultSuccess || e.Source != SourceCLI {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Timestamp != "2026-03-14T09:26:53Z" {
		t.Errorf("expected fake-clock timestamp, got %s", e.Timestamp)
	}
	if e.Subject == "" || e.Subject == "acct-1" {
		t.Errorf("subject must be an HMAC, got %q", e.Subject)
	}
	if e.Chain.Sequence != 1 || e.Chain.PrevHash != genesis || e.Chain.HMAC == "" {
		t.Errorf("unexpected chain: %+v", e.Chain)
	}
}

func TestLogError(t *testing.T) {
	l, _ := newTestLogger(t)

	if err := l.LogError(OpUnlockFailed, SourceCLI, "", "invalid master password"); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}
	events, err := l.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Result != ResultError || events[0].Error != "invalid master password" {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if events[0].Subject != "" {
		t.Errorf("expected empty subject, got %q", events[0].Subject)
	}
}

func TestChainIntegrity(t *testing.T) {
	l, _ := newTestLogger(t)

	for i := 0; i < 5; i++ {
		if err := l.Log(OpResetStart, SourceEngine, ResultSuccess, "cred", "", map[string]string{"n": "x"}); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain: %v", result.Errors)
	}
	if result.RecordsTotal != 5 {
		t.Errorf("expected 5 records, got %d", result.RecordsTotal)
	}
}

func TestChainPersistence(t *testing.T) {
	dir := t.TempDir()

	first := NewLogger(dir)
	if err := first.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := first.LogSuccess(OpLock, SourceIdle, ""); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	// A new process continues the chain.
	second := NewLogger(dir)
	if err := second.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	if second.sequence != 3 {
		t.Errorf("expected sequence 3, got %d", second.sequence)
	}
	if err := second.LogSuccess(OpUnlock, SourceCLI, ""); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	result, err := second.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.RecordsTotal != 4 {
		t.Errorf("expected 4 valid records, got %+v", result)
	}
}

func TestChainAcrossMonths(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC))
	l, dir := newTestLogger(t, WithClock(fake))

	if err := l.LogSuccess(OpUnlock, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}
	fake.Advance(2 * time.Hour)
	if err := l.LogSuccess(OpLock, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(files) != 2 {
		t.Fatalf("expected 2 monthly files, got %d", len(files))
	}
	result, err := l.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain across files: %v", result.Errors)
	}
}

func TestTamperingDetection(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(lines [][]byte) [][]byte
		want   string
	}{
		{
			name: "modified record",
			tamper: func(lines [][]byte) [][]byte {
				lines[1] = bytes.Replace(lines[1], []byte(OpAccountAdd), []byte(OpAccountRemove), 1)
				return lines
			},
			want: "HMAC mismatch",
		},
		{
			name: "deleted record",
			tamper: func(lines [][]byte) [][]byte {
				return append(lines[:1], lines[2:]...)
			},
			want: "sequence gap",
		},
		{
			name: "reordered records",
			tamper: func(lines [][]byte) [][]byte {
				lines[0], lines[1] = lines[1], lines[0]
				return lines
			},
			want: "chain broken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, dir := newTestLogger(t)
			for i := 0; i < 3; i++ {
				if err := l.LogSuccess(OpAccountAdd, SourceCLI, "a"); err != nil {
					t.Fatalf("LogSuccess failed: %v", err)
				}
			}

			files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
			data, err := os.ReadFile(files[0])
			if err != nil {
				t.Fatal(err)
			}
			lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
			lines = tt.tamper(lines)
			if err := os.WriteFile(files[0], append(bytes.Join(lines, []byte("\n")), '\n'), 0o600); err != nil {
				t.Fatal(err)
			}

			result, err := l.Verify()
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if result.Valid {
				t.Fatal("expected tampering to be detected")
			}
			if !strings.Contains(strings.Join(result.Errors, "\n"), tt.want) {
				t.Errorf("expected %q in errors, got %v", tt.want, result.Errors)
			}
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	l, dir := newTestLogger(t)
	if err := l.LogSuccess(OpUnlock, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}

	other := NewLogger(dir)
	if err := other.SetHMACKey(make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	result, err := other.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("expected verification under a different key to fail")
	}
}

func TestVerifyEmptyLog(t *testing.T) {
	l, _ := newTestLogger(t)
	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.RecordsTotal != 0 {
		t.Errorf("expected empty valid result, got %+v", result)
	}
}

func TestListEvents(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.Fake(start)
	l, _ := newTestLogger(t, WithClock(fake))

	ops := []string{OpUnlock, OpAccountAdd, OpAccountUpdate, OpAccountRemove, OpLock}
	for _, op := range ops {
		if err := l.LogSuccess(op, SourceCLI, ""); err != nil {
			t.Fatal(err)
		}
		fake.Advance(time.Minute)
	}

	all, err := l.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(ops) {
		t.Fatalf("expected %d events, got %d", len(ops), len(all))
	}

	last, err := l.ListEvents(2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].Operation != OpAccountRemove || last[1].Operation != OpLock {
		t.Errorf("limit should keep the most recent events, got %+v", last)
	}

	recent, err := l.ListEvents(0, start.Add(2*time.Minute+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 events after cutoff, got %d", len(recent))
	}
}

func TestEventIDsOrdered(t *testing.T) {
	a, b := newEventID(), newEventID()
	if a == b {
		t.Fatal("event ids collided")
	}
	if len(a) != 36 {
		t.Errorf("expected UUID form, got %q", a)
	}
}
