package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopLoggerIsUsable(t *testing.T) {
	l := NewNop().With("component", "test")
	l.Info("hello", "k", 1)
	l.Warn("careful")
	l.Debug("quiet")
	l.Error("boom", "err", "x")
}

func TestNewWithCoreKeepsKeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewWithCore(core).With("component", "dedup")
	l.Info("dropped")
	l.Warn("kept", "field", "url")

	entries := logs.All()
	if len(entries) != 1 || entries[0].Message != "kept" {
		t.Fatalf("entries = %+v", entries)
	}
	ctx := entries[0].ContextMap()
	if ctx["component"] != "dedup" || ctx["field"] != "url" {
		t.Fatalf("context = %v", ctx)
	}
}
