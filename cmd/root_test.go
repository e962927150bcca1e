package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forgebuild/cachet/internal/protocol"
)

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, &protocol.Stats{
		Hits:          3,
		Misses:        1,
		Evictions:     2,
		CacheSize:     25 * 1000 * 1000,
		MaxCacheSize:  10 * 1000 * 1000 * 1000,
		CacheLocation: "/tmp/cachet",
		TimeSaved:     1500 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "Compile requests")
	assert.Contains(t, out, "75.00%")
	assert.Contains(t, out, "25 MB / 10 GB")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "/tmp/cachet")
}

func TestPrintStatsNoRequests(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, &protocol.Stats{})

	// No hit rate line when nothing has been requested yet.
	assert.NotContains(t, buf.String(), "Hit rate")
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"server", "stats", "zero-stats", "clear", "stop"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}
