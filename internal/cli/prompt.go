package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// ErrPasswordMismatch is returned when a confirmation entry differs.
var ErrPasswordMismatch = errors.New("passwords do not match")

// PasswordReader prompts for and returns one secret.
type PasswordReader func(prompt string) (string, error)

// TerminalPassword reads a password from the terminal without echo. The
// prompt goes to stderr so stdout stays clean for command output.
func TerminalPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// ConfirmPassword reads a password twice and fails when the entries differ
// or the first is empty.
func ConfirmPassword(read PasswordReader, prompt string) (string, error) {
	first, err := read(prompt)
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("password cannot be empty")
	}
	second, err := read("Confirm " + strings.ToLower(prompt[:1]) + prompt[1:])
	if err != nil {
		return "", err
	}
	if first != second {
		return "", ErrPasswordMismatch
	}
	return first, nil
}

// ReadLine reads a single line from r, trimming the line ending.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(syscall.Stdin))
}
