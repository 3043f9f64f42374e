package interfaces

import (
	"fmt"
	"sync"
)

// TestLogger records entries in memory so tests can assert on them.
// When verbose is set, entries are also printed.
type TestLogger struct {
	verbose bool

	mu      *sync.Mutex
	entries *[]LogEntry
	fields  []Field
}

// LogEntry is one message captured by TestLogger.
type LogEntry struct {
	Level  string
	Msg    string
	Fields []Field
}

// NewTestLogger creates a new test logger.
func NewTestLogger(verbose bool) *TestLogger {
	return &TestLogger{verbose: verbose, mu: &sync.Mutex{}, entries: &[]LogEntry{}}
}

func (tl *TestLogger) log(level, msg string, fields []Field) {
	all := append(append([]Field(nil), tl.fields...), fields...)
	tl.mu.Lock()
	*tl.entries = append(*tl.entries, LogEntry{Level: level, Msg: msg, Fields: all})
	tl.mu.Unlock()
	if tl.verbose {
		fmt.Printf("[%s] %s %v\n", level, msg, all)
	}
}

func (tl *TestLogger) Debug(msg string, fields ...Field) { tl.log("DEBUG", msg, fields) }

func (tl *TestLogger) Info(msg string, fields ...Field) { tl.log("INFO", msg, fields) }

func (tl *TestLogger) Warn(msg string, fields ...Field) { tl.log("WARN", msg, fields) }

func (tl *TestLogger) Error(msg string, fields ...Field) { tl.log("ERROR", msg, fields) }

// With shares the entry buffer with the parent so assertions see child output.
func (tl *TestLogger) With(fields ...Field) Logger {
	return &TestLogger{
		verbose: tl.verbose,
		mu:      tl.mu,
		entries: tl.entries,
		fields:  append(append([]Field(nil), tl.fields...), fields...),
	}
}

// Entries returns a copy of everything logged at the given level ("" for all).
func (tl *TestLogger) Entries(level string) []LogEntry {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	var out []LogEntry
	for _, e := range *tl.entries {
		if level == "" || e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}

func (n NopLogger) With(...Field) Logger { return n }
