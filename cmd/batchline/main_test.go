// ABOUTME: Tests for CLI flag parsing and the colorized log handler
// ABOUTME: parseFlags covers the learn and token subcommands

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags([]string{"--tenant", "shop-1", "--role=reviewer", "--role", "admin"}, "tenant", "role")
	require.NoError(t, err)
	assert.Equal(t, []string{"shop-1"}, flags["tenant"])
	assert.Equal(t, []string{"reviewer", "admin"}, flags["role"])
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--bogus", "x"}},
		{"missing value", []string{"--tenant"}},
		{"empty value", []string{"--tenant="}},
		{"positional", []string{"shop-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args, "tenant")
			assert.Error(t, err)
		})
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	h := &colorHandler{mu: &sync.Mutex{}, out: &buf, level: slog.LevelInfo}
	logger := slog.New(h).With("component", "batching").WithGroup("batch")

	logger.Debug("hidden")
	logger.Info("batch flushed", "size", 3)

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INF batch flushed")
	assert.Contains(t, line, "component=batching")
	assert.Contains(t, line, "batch.size=3")
	assert.Equal(t, 1, strings.Count(line, "\n"))
}
