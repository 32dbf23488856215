package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DocumentRecorder persists document rows alongside retrieval ingestion.
type DocumentRecorder interface {
	InsertDocument(ctx context.Context, doc Document) error
}

// Ingestor loads documents from a directory into one or more retrieval
// backends and, optionally, a document recorder. It can watch the
// directory and re-ingest when files change.
type Ingestor struct {
	targets  []Retriever
	recorder DocumentRecorder
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	dirty   bool
	stopCh  chan struct{}
	stopped sync.Once
}

// NewIngestor creates an ingestor feeding the given backends. recorder
// may be nil.
func NewIngestor(targets []Retriever, recorder DocumentRecorder, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		targets:  targets,
		recorder: recorder,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// IngestDir walks dir and ingests every .md and .txt file as one
// document. The document id is the path relative to dir.
func (ing *Ingestor) IngestDir(ctx context.Context, dir string) (int, error) {
	var docs []Document

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isIngestable(d.Name()) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			ing.logger.Warn().Err(err).Str("file", path).Msg("Failed to read file, skipping")
			return nil
		}

		relPath, _ := filepath.Rel(dir, path)
		docs = append(docs, Document{
			ID:      relPath,
			Title:   strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Content: string(content),
			Metadata: map[string]string{
				"source": path,
			},
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	if len(docs) == 0 {
		ing.logger.Info().Str("dir", dir).Msg("No ingestable documents found")
		return 0, nil
	}

	if ing.recorder != nil {
		for _, doc := range docs {
			if err := ing.recorder.InsertDocument(ctx, doc); err != nil {
				ing.logger.Warn().Err(err).Str("doc", doc.ID).Msg("Failed to record document")
			}
		}
	}

	for _, target := range ing.targets {
		if err := target.Add(ctx, docs); err != nil {
			return 0, fmt.Errorf("backend %s failed to ingest: %w", target.Name(), err)
		}
		ing.logger.Info().
			Str("backend", target.Name()).
			Int("documents", len(docs)).
			Msg("Documents ingested")
	}

	return len(docs), nil
}

// Watch starts watching dir and re-ingests after changes settle. The
// debounce collapses editor write bursts into a single re-ingestion.
func (ing *Ingestor) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	ing.watcher = watcher

	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	go ing.run(ctx, dir, debounce)

	ing.logger.Info().Str("dir", dir).Msg("Document watcher started")
	return nil
}

func (ing *Ingestor) run(ctx context.Context, dir string, debounce time.Duration) {
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-ing.watcher.Events:
			if !ok {
				return
			}
			if !isIngestable(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				ing.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Document change detected")
				ing.mu.Lock()
				ing.dirty = true
				ing.mu.Unlock()
			}

		case <-ticker.C:
			ing.mu.Lock()
			dirty := ing.dirty
			ing.dirty = false
			ing.mu.Unlock()
			if dirty {
				if _, err := ing.IngestDir(ctx, dir); err != nil {
					ing.logger.Warn().Err(err).Msg("Re-ingestion failed")
				}
			}

		case err, ok := <-ing.watcher.Errors:
			if !ok {
				return
			}
			ing.logger.Error().Err(err).Msg("Document watcher error")

		case <-ing.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the watcher, if started.
func (ing *Ingestor) Stop() {
	ing.stopped.Do(func() {
		close(ing.stopCh)
		if ing.watcher != nil {
			ing.watcher.Close()
		}
	})
}

func isIngestable(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".txt")
}
