package pipeline

import (
	"log/slog"
	"testing"
	"time"

	"coursewatch/internal/config"
)

func TestApplyConfigReloadsTunables(t *testing.T) {
	p := New(nil, nil, nil, slog.Default(), Config{
		DigestTypes: []string{"stale"},
		BatchSize:   2,
	}, nil)

	p.applyConfig(&config.Config{
		DigestBatchSize:          7,
		IgnoreFilesLargerThan:    1024,
		IgnoreFilesOlderThanDays: 30,
		PluginSettings:           map[string]map[string]any{},
	})

	if p.batchSize != 7 {
		t.Errorf("expected batch size to reload to 7, got %d", p.batchSize)
	}
	if p.ignoreLargerThan != 1024 {
		t.Errorf("expected ignoreLargerThan to reload to 1024, got %d", p.ignoreLargerThan)
	}
	if p.ignoreOlderThan != 30*24*time.Hour {
		t.Errorf("expected ignoreOlderThan to reload to 30 days, got %v", p.ignoreOlderThan)
	}
	// pipeline_test.go imports plugin/plaintext into the same test binary, so
	// an empty PluginSettings resolves to exactly [plaintext] rather than the
	// construction-time set.
	if len(p.digestTypes) != 1 || p.digestTypes[0] != "plaintext" {
		t.Errorf("expected digest types to reload to the resolved set [plaintext], got %v", p.digestTypes)
	}
}
