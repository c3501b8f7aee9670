package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_AppendAndRecent(t *testing.T) {
	root := t.TempDir()
	history := NewHistory(discardLogger(), root, nil)

	for i, status := range []string{"success", "failed", "success"} {
		err := history.Append(context.Background(), HistoryEntry{
			Timestamp:     time.Date(2025, 6, 1, 12, i, 0, 0, time.UTC),
			Strategy:      "rolling",
			ImageTag:      "myapp:1.0",
			ContainerName: "myapp",
			Status:        status,
			DurationMs:    1200,
		})
		require.NoError(t, err)
	}

	entries, err := history.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first
	assert.Equal(t, "success", entries[0].Status)
	assert.Equal(t, 2, entries[0].Timestamp.Minute())
	assert.Equal(t, "failed", entries[1].Status)
}

func TestHistory_JournalIsAppendOnlyJSONLines(t *testing.T) {
	root := t.TempDir()
	history := NewHistory(discardLogger(), root, nil)

	require.NoError(t, history.Append(context.Background(), HistoryEntry{
		Timestamp:     time.Now(),
		Strategy:      "blue-green",
		ImageTag:      "influx:2",
		ContainerName: "influx",
		Status:        "success",
	}))
	require.NoError(t, history.Append(context.Background(), HistoryEntry{
		Timestamp:     time.Now(),
		Strategy:      "quick",
		ImageTag:      "influx:2",
		ContainerName: "influx",
		Status:        "failed",
	}))

	buf, err := os.ReadFile(filepath.Join(root, historyFile))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"strategy":"blue-green"`)
	assert.Contains(t, lines[1], `"strategy":"quick"`)
}

func TestHistory_RecentOnEmptyJournal(t *testing.T) {
	history := NewHistory(discardLogger(), t.TempDir(), nil)

	entries, err := history.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
