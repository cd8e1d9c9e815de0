package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/forest6511/sentinel/internal/automation"
	"github.com/forest6511/sentinel/internal/service"
	"github.com/forest6511/sentinel/pkg/credential"
	"github.com/forest6511/sentinel/pkg/keystore"
	"github.com/forest6511/sentinel/pkg/vault"
)

// scriptedPasswords replaces the terminal prompt with fixed answers.
func scriptedPasswords(t *testing.T, answers ...string) {
	t.Helper()
	prev := readPassword
	readPassword = func(string) (string, error) {
		if len(answers) == 0 {
			return "", errors.New("unexpected password prompt")
		}
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
	t.Cleanup(func() { readPassword = prev })
}

func setupCLI(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SENTINEL_ENCRYPTION_KEY", "HIBP_API_KEY", "IMAP_HOST", "IMAP_USER", "IMAP_PASS",
		"SENTINEL_IDLE_TIMEOUT", "SENTINEL_CLIPBOARD_TIMEOUT", "SENTINEL_SCAN_INTERVAL",
	} {
		t.Setenv(name, "")
	}
	t.Setenv("SENTINEL_DATA_DIR", t.TempDir())
	t.Setenv("SENTINEL_LOG_LEVEL", "error")

	prev := serviceOptions
	serviceOptions = []service.Option{
		service.WithSecretStore(keystore.NewMemoryStore()),
		service.WithSignalSource(nil),
	}
	t.Cleanup(func() {
		serviceOptions = prev
		_ = closeService()
	})
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	_ = closeService()
	return out.String(), err
}

func TestCLIWorkflow(t *testing.T) {
	setupCLI(t)
	const master = "Correct-Horse-42"

	scriptedPasswords(t, "site-pass-1", "site-pass-1")
	out, err := runCLI(t, "account", "add", "--site", "example.com", "-u", "me")
	if err != nil {
		t.Fatalf("account add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Added account example.com") {
		t.Errorf("unexpected output: %s", out)
	}

	scriptedPasswords(t, master, master)
	if out, err := runCLI(t, "master", "set"); err != nil {
		t.Fatalf("master set: %v\n%s", err, out)
	}

	scriptedPasswords(t, "Wrong-Password-9")
	if _, err := runCLI(t, "account", "list"); err == nil || !strings.Contains(err.Error(), "incorrect master password") {
		t.Errorf("expected incorrect password error, got %v", err)
	}

	scriptedPasswords(t, master)
	out, err = runCLI(t, "account", "list", "--show")
	if err != nil {
		t.Fatalf("account list: %v\n%s", err, out)
	}
	if !strings.Contains(out, "example.com") || !strings.Contains(out, "site-pass-1") {
		t.Errorf("account missing from list: %s", out)
	}

	scriptedPasswords(t, "cred-pass-1", "cred-pass-1")
	out, err = runCLI(t, "cred", "save", "--name", "GitHub", "-u", "octo@example.com")
	if err != nil {
		t.Fatalf("cred save: %v\n%s", err, out)
	}

	out, err = runCLI(t, "cred", "list")
	if err != nil {
		t.Fatalf("cred list: %v", err)
	}
	if !strings.Contains(out, "GitHub") || !strings.Contains(out, string(credential.StatusSafe)) {
		t.Errorf("credential missing from list: %s", out)
	}

	out, err = runCLI(t, "key", "show")
	if err != nil {
		t.Fatalf("key show: %v", err)
	}
	if !regexp.MustCompile(`(?m)^[0-9a-f]{64}$`).MatchString(out) {
		t.Errorf("key not printed: %s", out)
	}

	out, err = runCLI(t, "audit", "verify")
	if err != nil {
		t.Fatalf("audit verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "chain intact") {
		t.Errorf("unexpected verify output: %s", out)
	}
}

func TestImportFromLastPass(t *testing.T) {
	setupCLI(t)
	importTarget, importMatch, importDryRun = string(service.ImportToCredentials), "", false

	path := filepath.Join(t.TempDir(), "lastpass.csv")
	data := "url,username,password,totp,extra,name,grouping,fav\n" +
		"https://github.com,octo,gh-pass,,,GitHub,,0\n" +
		"http://sn,,,,note body,Note,,0\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "import-from", "lastpass", path)
	if err != nil {
		t.Fatalf("import-from: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Skipped: Note (secure note)") || !strings.Contains(out, "Imported 1 logins into credentials") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = runCLI(t, "cred", "list")
	if err != nil {
		t.Fatalf("cred list: %v", err)
	}
	if !strings.Contains(out, "GitHub") {
		t.Errorf("imported credential missing: %s", out)
	}

	if _, err := runCLI(t, "import-from", "keepass", path); err == nil {
		t.Error("expected error for unsupported source")
	}
}

func TestBackupRestore(t *testing.T) {
	setupCLI(t)
	backupStdout, backupKeyFile, backupWithAudit, backupForce, backupDryRun = false, "", false, false, false
	path := filepath.Join(t.TempDir(), "sentinel.bkp")

	scriptedPasswords(t, "site-pass-1", "site-pass-1")
	if out, err := runCLI(t, "account", "add", "--site", "example.com"); err != nil {
		t.Fatalf("account add: %v\n%s", err, out)
	}

	scriptedPasswords(t, "backup-pw", "backup-pw")
	out, err := runCLI(t, "backup", "create", "-o", path)
	if err != nil {
		t.Fatalf("backup create: %v\n%s", err, out)
	}
	backupOutput = ""

	if err := os.Remove(filepath.Join(os.Getenv("SENTINEL_DATA_DIR"), vault.PlaintextFileName)); err != nil {
		t.Fatal(err)
	}

	scriptedPasswords(t, "backup-pw")
	out, err = runCLI(t, "backup", "verify", path)
	if err != nil || !strings.Contains(out, "Backup is valid") {
		t.Fatalf("backup verify: %v\n%s", err, out)
	}

	scriptedPasswords(t, "backup-pw")
	if _, err := runCLI(t, "backup", "restore", path); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected conflict error, got %v", err)
	}

	scriptedPasswords(t, "backup-pw")
	out, err = runCLI(t, "backup", "restore", path, "--force")
	backupForce = false
	if err != nil {
		t.Fatalf("backup restore: %v\n%s", err, out)
	}

	out, err = runCLI(t, "account", "list")
	if err != nil {
		t.Fatalf("account list: %v", err)
	}
	if !strings.Contains(out, "example.com") {
		t.Errorf("restored account missing: %s", out)
	}
}

func TestParseImportTarget(t *testing.T) {
	if got, err := parseImportTarget("Vault"); err != nil || got != service.ImportToVault {
		t.Errorf("parseImportTarget(Vault) = %q, %v", got, err)
	}
	if _, err := parseImportTarget("cloud"); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestGenerateSkipsService(t *testing.T) {
	setupCLI(t)
	generateCopy, generateExclude = false, ""

	out, err := runCLI(t, "generate", "-l", "16", "-n", "3", "--no-symbols")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	lines := strings.Fields(out)
	if len(lines) != 3 {
		t.Fatalf("expected 3 passwords, got %q", out)
	}
	for _, l := range lines {
		if len(l) != 16 {
			t.Errorf("password %q has length %d", l, len(l))
		}
	}
	if svc != nil {
		t.Error("generate must not build the service")
	}
}

func TestValidateGenerateFlags(t *testing.T) {
	tests := []struct {
		name        string
		length      int
		count       int
		exclude     string
		expectError bool
	}{
		{"valid defaults", 20, 1, "", false},
		{"minimum length", 8, 1, "", false},
		{"maximum length", 256, 1, "", false},
		{"length too short", 7, 1, "", true},
		{"length too long", 257, 1, "", true},
		{"count zero", 20, 0, "", true},
		{"count too high", 20, maxPasswordCount + 1, "", true},
		{"exclude too long", 20, 1, strings.Repeat("a", maxExcludeLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generateLength, generateCount, generateExclude = tt.length, tt.count, tt.exclude
			err := validateGenerateFlags()
			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// saveFlags parses args into a fresh flag set bound to the save command's
// variables, so Changed reflects only these args.
func saveFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	credID, credName, credUsername, credNotes = "", "", "", ""
	credAutoReset, credPassword, credGenerate = false, false, false

	f := pflag.NewFlagSet("save", pflag.ContinueOnError)
	f.StringVar(&credID, "id", "", "")
	f.StringVar(&credName, "name", "", "")
	f.StringVarP(&credUsername, "username", "u", "", "")
	f.StringVar(&credNotes, "notes", "", "")
	f.BoolVar(&credAutoReset, "auto-reset", false, "")
	f.BoolVarP(&credPassword, "password", "p", false, "")
	f.BoolVarP(&credGenerate, "generate", "g", false, "")
	if err := f.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return f
}

func TestCredentialInputNew(t *testing.T) {
	scriptedPasswords(t, "pw-123456", "pw-123456")
	f := saveFlags(t, "--name", "GitHub", "-u", "octo", "--auto-reset", "--notes", "2fa on")

	in, err := credentialInput(f, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Name != "GitHub" || in.Username != "octo" || !in.AutoReset {
		t.Errorf("unexpected input: %+v", in)
	}
	if in.Password == nil || *in.Password != "pw-123456" {
		t.Errorf("password not prompted: %v", in.Password)
	}
	if in.Notes == nil || *in.Notes != "2fa on" {
		t.Errorf("notes not set: %v", in.Notes)
	}
}

func TestCredentialInputNewRequiresName(t *testing.T) {
	f := saveFlags(t, "-u", "octo")
	if _, err := credentialInput(f, nil); err == nil {
		t.Error("expected error without --name")
	}
}

func TestCredentialInputUpdateKeepsUnsetFields(t *testing.T) {
	reset := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	existing := &credential.Credential{
		ID:           "c1",
		Name:         "Bank",
		Username:     "me@example.com",
		BreachStatus: credential.StatusCompromised,
		AutoReset:    true,
		LastResetAt:  &reset,
	}
	f := saveFlags(t, "--id", "c1", "--notes", "")

	in, err := credentialInput(f, existing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.ID != "c1" || in.Name != "Bank" || in.Username != "me@example.com" {
		t.Errorf("identity not kept: %+v", in)
	}
	if in.BreachStatus != credential.StatusCompromised || !in.AutoReset || in.LastResetAt == nil {
		t.Errorf("status fields not kept: %+v", in)
	}
	if in.Password != nil {
		t.Error("password must be kept when neither --password nor --generate is given")
	}
	if in.Notes == nil || *in.Notes != "" {
		t.Error("--notes \"\" must clear notes")
	}
}

func TestCredentialInputGenerate(t *testing.T) {
	f := saveFlags(t, "--id", "c1", "--generate")
	in, err := credentialInput(f, &credential.Credential{ID: "c1", Name: "Bank"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Password == nil || len(*in.Password) != 20 {
		t.Errorf("expected a generated 20 character password, got %v", in.Password)
	}
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30m", 30 * time.Minute, false},
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"d", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSince(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSince(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFriendlyVaultError(t *testing.T) {
	err := friendlyVaultError(vault.ErrInvalidPassword)
	if err.Error() != "incorrect master password" {
		t.Errorf("unexpected message: %v", err)
	}
	other := errors.New("disk on fire")
	if friendlyVaultError(other) != other {
		t.Error("unknown errors must pass through")
	}
}

func TestPrintLogs(t *testing.T) {
	var buf bytes.Buffer
	printLogs(&buf, nil)
	if !strings.Contains(buf.String(), "No automation log entries") {
		t.Errorf("unexpected output: %s", buf.String())
	}

	buf.Reset()
	printLogs(&buf, []automation.LogEntry{{
		ID:           "1",
		CredentialID: "c1",
		Message:      "Credential Bank marked as compromised.",
		Timestamp:    time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
		Level:        automation.LevelWarn,
	}})
	if !strings.Contains(buf.String(), "warn") || !strings.Contains(buf.String(), "marked as compromised") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
