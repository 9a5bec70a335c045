package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

var csvHeader = []string{
	"timestamp", "episode_id", "agent", "provider", "model",
	"input_tokens", "output_tokens", "characters",
	"cost", "cumulative_cost", "budget_remaining", "operation",
}

// csvWriter appends audit rows to a single CSV file. A file lock guards
// against a second showrunner process writing the same log.
type csvWriter struct {
	path string
	file *os.File
	lock *flock.Flock
}

func newCSVWriter(path string) (*csvWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cost log directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cost log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cost log %s is locked by another process", path)
	}

	info, statErr := os.Stat(path)
	needsHeader := statErr != nil || info.Size() == 0

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open cost log: %w", err)
	}

	writer := &csvWriter{path: path, file: file, lock: lock}
	if needsHeader {
		if err := writer.writeRow(csvHeader); err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("write cost log header: %w", err)
		}
	}
	return writer, nil
}

// Append writes one entry and flushes it to disk before returning.
func (w *csvWriter) Append(entry Entry) error {
	row := []string{
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.EpisodeID,
		entry.Agent,
		entry.Provider,
		entry.Model,
		strconv.Itoa(entry.InputTokens),
		strconv.Itoa(entry.OutputTokens),
		strconv.Itoa(entry.Characters),
		formatUSD(entry.CostUSD),
		formatUSD(entry.CumulativeCostUSD),
		formatUSD(entry.BudgetRemainingUSD),
		entry.Operation,
	}
	return w.writeRow(row)
}

func (w *csvWriter) writeRow(row []string) error {
	writer := csv.NewWriter(w.file)
	if err := writer.Write(row); err != nil {
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *csvWriter) Close() error {
	var firstErr error
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			firstErr = err
		}
		w.file = nil
	}
	if w.lock != nil {
		if err := w.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.lock = nil
	}
	return firstErr
}

func formatUSD(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 6, 64)
}
