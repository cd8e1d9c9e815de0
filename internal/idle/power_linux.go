//go:build linux

package idle

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	login1Manager     = "org.freedesktop.login1.Manager"
	freedesktopSaver  = "org.freedesktop.ScreenSaver"
	gnomeScreenSaver  = "org.gnome.ScreenSaver"
	prepareForSleep   = "PrepareForSleep"
	screenSaverActive = "ActiveChanged"
)

// DefaultSignalSource watches logind suspend on the system bus and
// screen-saver activation on the session bus.
func DefaultSignalSource() SignalSource {
	return dbusSignals{}
}

type dbusSignals struct{}

// Watch blocks until ctx is done. It fails only when neither bus can be
// subscribed to.
func (dbusSignals) Watch(ctx context.Context, fn func(Reason)) error {
	ch := make(chan *dbus.Signal, 16)
	var errs []error

	if sys, err := dbus.ConnectSystemBus(); err != nil {
		errs = append(errs, fmt.Errorf("system bus: %w", err))
	} else {
		defer sys.Close()
		if err := subscribe(sys, ch, [2]string{login1Manager, prepareForSleep}); err != nil {
			errs = append(errs, fmt.Errorf("system bus: %w", err))
		}
	}

	if sess, err := dbus.ConnectSessionBus(); err != nil {
		errs = append(errs, fmt.Errorf("session bus: %w", err))
	} else {
		defer sess.Close()
		if err := subscribe(sess, ch,
			[2]string{freedesktopSaver, screenSaverActive},
			[2]string{gnomeScreenSaver, screenSaverActive},
		); err != nil {
			errs = append(errs, fmt.Errorf("session bus: %w", err))
		}
	}

	if len(errs) == 2 {
		return errors.Join(errs...)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			if reason, ok := classifySignal(sig); ok {
				fn(reason)
			}
		}
	}
}

func subscribe(conn *dbus.Conn, ch chan<- *dbus.Signal, matches ...[2]string) error {
	for _, m := range matches {
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(m[0]),
			dbus.WithMatchMember(m[1]),
		); err != nil {
			return fmt.Errorf("match %s.%s: %w", m[0], m[1], err)
		}
	}
	conn.Signal(ch)
	return nil
}

// classifySignal maps a D-Bus signal to a lock reason. Only the "entering"
// edge counts: PrepareForSleep(true) and ActiveChanged(true).
func classifySignal(sig *dbus.Signal) (Reason, bool) {
	if sig == nil || len(sig.Body) == 0 {
		return "", false
	}
	active, ok := sig.Body[0].(bool)
	if !ok || !active {
		return "", false
	}
	switch sig.Name {
	case login1Manager + "." + prepareForSleep:
		return ReasonSuspend, true
	case freedesktopSaver + "." + screenSaverActive, gnomeScreenSaver + "." + screenSaverActive:
		return ReasonScreenLock, true
	}
	return "", false
}
