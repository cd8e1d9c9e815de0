//go:build linux

package idle

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestClassifySignal(t *testing.T) {
	tests := []struct {
		name   string
		sig    *dbus.Signal
		want   Reason
		wantOK bool
	}{
		{"suspend", &dbus.Signal{Name: "org.freedesktop.login1.Manager.PrepareForSleep", Body: []interface{}{true}}, ReasonSuspend, true},
		{"resume", &dbus.Signal{Name: "org.freedesktop.login1.Manager.PrepareForSleep", Body: []interface{}{false}}, "", false},
		{"freedesktop saver", &dbus.Signal{Name: "org.freedesktop.ScreenSaver.ActiveChanged", Body: []interface{}{true}}, ReasonScreenLock, true},
		{"gnome saver", &dbus.Signal{Name: "org.gnome.ScreenSaver.ActiveChanged", Body: []interface{}{true}}, ReasonScreenLock, true},
		{"saver off", &dbus.Signal{Name: "org.gnome.ScreenSaver.ActiveChanged", Body: []interface{}{false}}, "", false},
		{"unrelated", &dbus.Signal{Name: "org.freedesktop.DBus.NameAcquired", Body: []interface{}{"x"}}, "", false},
		{"empty body", &dbus.Signal{Name: "org.gnome.ScreenSaver.ActiveChanged"}, "", false},
		{"nil", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classifySignal(tt.sig)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("classifySignal() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
