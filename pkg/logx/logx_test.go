package logx

import (
	"errors"
	"testing"
)

func TestNewLoggerComponent(t *testing.T) {
	l := NewLogger("bus")
	if l.Component() != "bus" {
		t.Errorf("Expected component 'bus', got %s", l.Component())
	}

	// Logging must not panic at any level.
	l.Debug("debug %d", 1)
	l.Info("info %s", "x")
	l.Warn("warn")
	l.Error("error")
}

func TestSetLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "warning", "error"} {
		if err := SetLevel(lvl); err != nil {
			t.Errorf("SetLevel(%s) failed: %v", lvl, err)
		}
	}
	if err := SetLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
	// Restore default for other tests.
	_ = SetLevel("info")
}

func TestErrorfReturnsError(t *testing.T) {
	l := NewLogger("test")
	err := l.Errorf("failed after %d attempts", 3)
	if err == nil || err.Error() != "failed after 3 attempts" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	cause := errors.New("boom")
	err := Wrap(cause, "starting agent")
	if err.Error() != "starting agent: boom" {
		t.Errorf("Unexpected wrap: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Wrapped cause should survive errors.Is")
	}
}
