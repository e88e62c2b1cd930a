// Package gdrive mirrors the daily call transcript exports into a Google
// Drive folder as Google Docs.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

type remoteFiles interface {
	Find(ctx context.Context, name string) (string, error)
	Create(ctx context.Context, name string, media io.Reader) (string, error)
	Update(ctx context.Context, id string, media io.Reader) error
}

type Syncer struct {
	files remoteFiles

	mu       sync.Mutex
	fileIDs  map[string]string
	uploaded map[string]time.Time
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(&driveFiles{service: svc, folderID: folderID}), nil
}

func newSyncer(files remoteFiles) *Syncer {
	return &Syncer{
		files:    files,
		fileIDs:  make(map[string]string),
		uploaded: make(map[string]time.Time),
	}
}

// DocName is the Drive document name for a day's transcripts.
func DocName(date string) string {
	return "voice-agent-calls-" + date
}

// Sync uploads localPath as the document for date. Unchanged files are
// skipped; an existing document (for example from a previous run) is
// updated in place.
func (s *Syncer) Sync(ctx context.Context, localPath, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if last, ok := s.uploaded[date]; ok && !info.ModTime().After(last) {
		return nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	name := DocName(date)
	fileID, ok := s.fileIDs[date]
	if !ok {
		fileID, err = s.files.Find(ctx, name)
		if err != nil {
			return fmt.Errorf("drive lookup: %w", err)
		}
	}

	if fileID != "" {
		if err := s.files.Update(ctx, fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
	} else {
		fileID, err = s.files.Create(ctx, name, f)
		if err != nil {
			return fmt.Errorf("drive create: %w", err)
		}
	}

	s.fileIDs[date] = fileID
	s.uploaded[date] = info.ModTime()
	return nil
}

// Run syncs today's export every interval until ctx is done, and once more
// on the way out so the last call of the session is not lost.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, pathFor func(date string) string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	syncToday := func(ctx context.Context) {
		date := time.Now().UTC().Format("2006-01-02")
		path := pathFor(date)
		if _, err := os.Stat(path); err != nil {
			return
		}
		if err := s.Sync(ctx, path, date); err != nil {
			slog.Warn("gdrive sync failed", "date", date, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			syncToday(flushCtx)
			cancel()
			return
		case <-ticker.C:
			syncToday(ctx)
		}
	}
}

type driveFiles struct {
	service  *drive.Service
	folderID string
}

func (d *driveFiles) Find(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), escapeQuery(d.folderID))
	list, err := d.service.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func (d *driveFiles) Create(ctx context.Context, name string, media io.Reader) (string, error) {
	doc, err := d.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: docMimeType,
		Parents:  []string{d.folderID},
	}).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d *driveFiles) Update(ctx context.Context, id string, media io.Reader) error {
	_, err := d.service.Files.Update(id, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}
