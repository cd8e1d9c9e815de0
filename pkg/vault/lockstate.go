package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
)

// LockState tracks failed unlock attempts for cooldown enforcement.
// It survives restarts in vault.lock.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

// LockState returns the persisted failure counter for display.
func (v *Vault) LockState() (*LockState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLockState()
}

func (v *Vault) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(v.file(LockFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &LockState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted lock file, start over.
		return &LockState{}, nil
	}
	return &state, nil
}

func (v *Vault) saveLockState(state *LockState) error {
	if err := v.checkDiskSpaceForWrite(1024); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := os.MkdirAll(v.path, DirMode); err != nil {
		return fmt.Errorf("vault: failed to create vault directory: %w", err)
	}
	if err := atomic.WriteFile(v.file(LockFileName), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return os.Chmod(v.file(LockFileName), FileMode)
}

func (v *Vault) clearLockState() error {
	err := os.Remove(v.file(LockFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// checkCooldown returns ErrCooldownActive while a cooldown is running.
func (v *Vault) checkCooldown() error {
	if remaining := v.remainingCooldown(); remaining > 0 {
		return fmt.Errorf("%w: retry in %v", ErrCooldownActive, remaining.Round(time.Second))
	}
	return nil
}

func (v *Vault) remainingCooldown() time.Duration {
	state, err := v.loadLockState()
	if err != nil {
		return 0
	}
	now := v.clock.Now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now)
	}
	return 0
}

// recordFailedAttempt bumps the failure counter and returns the cooldown it
// triggered, if any: 5 failures -> 30s, 10 -> 5min, 20 -> 30min.
func (v *Vault) recordFailedAttempt() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.clock.Now()
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	return cooldown, v.saveLockState(state)
}
