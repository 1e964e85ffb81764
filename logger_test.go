package servalsheets

import (
	"strings"
	"testing"
)

// captureLogger records log lines for assertions.
type captureLogger struct {
	lines []string
}

func (l *captureLogger) log(level, msg string, kv []interface{}) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteByte(' ')
	}
	l.lines = append(l.lines, b.String())
}

func (l *captureLogger) Debug(msg string, kv ...interface{}) { l.log("DEBUG", msg, kv) }
func (l *captureLogger) Info(msg string, kv ...interface{})  { l.log("INFO", msg, kv) }
func (l *captureLogger) Warn(msg string, kv ...interface{})  { l.log("WARN", msg, kv) }
func (l *captureLogger) Error(msg string, kv ...interface{}) { l.log("ERROR", msg, kv) }

func (l *captureLogger) contains(substr string) bool {
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestNewSimpleLogger(t *testing.T) {
	l := NewSimpleLogger()
	if l == nil {
		t.Fatal("NewSimpleLogger() returned nil")
	}
	// Levels must not panic with odd key/value counts.
	l.Debug("debug msg", "key")
	l.Info("info msg", "key", "value")
	l.Warn("warn msg")
	l.Error("error msg", "a", 1, "b", 2)
}

func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()

	if cfg.Enabled {
		t.Error("Expected debug off by default")
	}
	for name, flag := range map[string]bool{
		"LogRequests":  cfg.LogRequests,
		"LogCache":     cfg.LogCache,
		"LogDedup":     cfg.LogDedup,
		"LogRateLimit": cfg.LogRateLimit,
		"LogBatch":     cfg.LogBatch,
		"LogCircuit":   cfg.LogCircuit,
		"LogRetries":   cfg.LogRetries,
	} {
		if !flag {
			t.Errorf("Expected %s on once debug is enabled", name)
		}
	}
	if cfg.RequestIDGen == nil {
		t.Fatal("Expected a request ID generator")
	}
}

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := generateRequestID()
		if !strings.HasPrefix(id, "req_") {
			t.Fatalf("Expected req_ prefix, got %q", id)
		}
		if len(id) != len("req_")+8 {
			t.Fatalf("Expected 8-character suffix, got %q", id)
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Errorf("Expected unique IDs, got %d distinct out of 50", len(seen))
	}
}
