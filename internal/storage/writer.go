package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/propvoice/voice-agent/internal/transcript"
)

const dayLayout = "2006-01-02"

// Writer appends finalized transcript lines to one markdown file per UTC
// day. These files are what the Drive sync uploads.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// StartCall writes the heading that separates calls within a day's file.
func (w *Writer) StartCall(callID string, startedAt time.Time) error {
	startedAt = startedAt.UTC()
	return w.write(startedAt, "", fmt.Sprintf("## Call %s (%s UTC)", callID, startedAt.Format("15:04:05")), "")
}

func (w *Writer) Append(entry transcript.Entry) error {
	if strings.TrimSpace(entry.Text) == "" {
		return nil
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return w.write(entry.Timestamp, entry.FormatMarkdown())
}

func (w *Writer) write(ts time.Time, lines ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := ts.UTC().Format(dayLayout)
	path := w.Path(date)

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create transcript directory: %w", err)
	}

	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	if fresh {
		fmt.Fprintf(&b, "# Calls %s\n\n", date)
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write transcript %s: %w", path, err)
	}
	return nil
}

// Path is the markdown file holding the given YYYY-MM-DD day.
func (w *Writer) Path(date string) string {
	return filepath.Join(w.dir, date+".md")
}
