package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Setup("debug", false)
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %v", zerolog.GlobalLevel())
	}
	Setup("bogus", false)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("fallback level = %v", zerolog.GlobalLevel())
	}
}

func TestPionLoggerScope(t *testing.T) {
	var buf bytes.Buffer
	f := NewPionLoggerFactory(zerolog.New(&buf), zerolog.InfoLevel)
	l := f.NewLogger("ice")
	l.Debug("hidden")
	l.Warnf("candidate %d failed", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked: %s", out)
	}
	if !strings.Contains(out, `"scope":"ice"`) || !strings.Contains(out, "candidate 3 failed") {
		t.Fatalf("unexpected output: %s", out)
	}
}
