package logging

import "testing"

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		if logger := New(level); logger == nil || logger.Logger == nil {
			t.Fatalf("expected logger for level %q", level)
		}
	}
}

func TestWithOnNilLogger(t *testing.T) {
	var l *Logger
	if got := l.With("component", "test"); got == nil || got.Logger == nil {
		t.Fatal("expected usable logger from nil receiver")
	}
}
