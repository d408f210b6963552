package core

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wiggledb/internal/blob"
	"wiggledb/pkg/domain"
)

// Publisher copies computed artifacts to long-term storage with public read
// access and maps working directory locations to public URLs.
type Publisher struct {
	store   blob.Store
	workdir string
	logger  *zap.Logger
}

// NewPublisher publishes files of workdir into store. A nil store disables
// publication; URLs are then the raw locations.
func NewPublisher(store blob.Store, workdir string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{store: store, workdir: filepath.Clean(workdir), logger: logger}
}

// Key is the blob key of loc: its path relative to the working directory.
// The second result is false for locations outside the working directory.
func (p *Publisher) Key(loc domain.Location) (string, bool) {
	if p.workdir == "" || p.workdir == "." {
		return "", false
	}
	rel, err := filepath.Rel(p.workdir, filepath.Clean(string(loc)))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// URL is the public address of loc. Locations outside the working directory
// are returned unchanged.
func (p *Publisher) URL(loc domain.Location) string {
	key, ok := p.Key(loc)
	if !ok || p.store == nil {
		return string(loc)
	}
	return p.store.URL(key)
}

// Publish uploads the file at loc. A blob already stored under the same key
// counts as published.
func (p *Publisher) Publish(ctx context.Context, loc domain.Location) error {
	if p.store == nil {
		return nil
	}
	key, ok := p.Key(loc)
	if !ok {
		return errors.Errorf("publish %s: outside working directory %s", loc, p.workdir)
	}
	f, err := os.Open(string(loc))
	if err != nil {
		return errors.Wrapf(err, "publish %s", loc)
	}
	defer f.Close()
	_, err = p.store.Put(ctx, key, f, blob.PutOptions{
		ContentType: contentType(string(loc)),
		PublicRead:  true,
	})
	if errors.Is(err, blob.ErrExists) {
		return nil
	}
	return errors.Wrapf(err, "publish %s", loc)
}

// PublishAll publishes every location, logging failures instead of
// returning them.
func (p *Publisher) PublishAll(ctx context.Context, locs ...domain.Location) {
	for _, loc := range locs {
		if err := p.Publish(ctx, loc); err != nil {
			p.logger.Warn("publication failed", zap.String("location", string(loc)), zap.Error(err))
		}
	}
}

// Unpublish deletes the blobs of locs, logging failures.
func (p *Publisher) Unpublish(ctx context.Context, locs ...domain.Location) {
	if p.store == nil {
		return
	}
	for _, loc := range locs {
		key, ok := p.Key(loc)
		if !ok {
			continue
		}
		if _, err := p.store.Delete(ctx, key); err != nil {
			p.logger.Warn("unpublish failed", zap.String("location", string(loc)), zap.Error(err))
		}
	}
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bed", ".txt":
		return "text/plain"
	case ".bw", ".bb":
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
