package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/storage"
)

const historyFile = "deployment_history.json"

// HistoryEntry is one line of the append-only deployment journal.
type HistoryEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Strategy      string    `json:"strategy"`
	ImageTag      string    `json:"image_tag"`
	ContainerName string    `json:"container_name"`
	Status        string    `json:"status"`
	DurationMs    int64     `json:"duration_ms"`
	Output        string    `json:"output,omitempty"`
}

// History journals every terminal operation state. The JSON-lines file is
// the durable contract; the sqlite index serves bounded recent queries.
type History struct {
	logger logrus.FieldLogger

	mu   sync.Mutex
	path string

	index *storage.HistoryRepository
}

func NewHistory(logger logrus.FieldLogger, configRoot string, index *storage.HistoryRepository) *History {
	return &History{
		logger: logger,
		path:   filepath.Join(configRoot, historyFile),
		index:  index,
	}
}

// Append writes one journal line and mirrors it into the index. Journal
// write failure is an error; index failure is only logged, the file is
// authoritative.
func (h *History) Append(ctx context.Context, entry HistoryEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "unable to marshal history entry")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "unable to open history journal")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "unable to append history entry")
	}

	if h.index != nil {
		err := h.index.Append(ctx, storage.HistoryRow{
			Timestamp:     entry.Timestamp.UTC().Format(time.RFC3339),
			Strategy:      entry.Strategy,
			ImageTag:      entry.ImageTag,
			ContainerName: entry.ContainerName,
			Status:        entry.Status,
			DurationMs:    entry.DurationMs,
			Output:        entry.Output,
		})
		if err != nil {
			h.logger.WithError(err).Warn("Unable to index history entry")
		}
	}

	return nil
}

// Recent returns the newest limit entries, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if h.index != nil {
		rows, err := h.index.FindRecent(ctx, limit)
		if err == nil {
			entries := make([]HistoryEntry, 0, len(rows))
			for _, row := range rows {
				ts, _ := time.Parse(time.RFC3339, row.Timestamp)
				entries = append(entries, HistoryEntry{
					Timestamp:     ts,
					Strategy:      row.Strategy,
					ImageTag:      row.ImageTag,
					ContainerName: row.ContainerName,
					Status:        row.Status,
					DurationMs:    row.DurationMs,
					Output:        row.Output,
				})
			}
			return entries, nil
		}
		h.logger.WithError(err).Warn("History index query failed, falling back to journal")
	}

	return h.readJournal(limit)
}

func (h *History) readJournal(limit int) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to open history journal")
	}
	defer f.Close()

	var all []HistoryEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to read history journal")
	}

	if limit <= 0 {
		limit = 10
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	return all, nil
}
