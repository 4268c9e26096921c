// Package gc reclaims blobs that no Image entity references. Orphans appear
// when an upload fails between the blob write and the entity write, or when
// an image entity is deleted but the blob delete afterwards fails.
package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/photostore/pkg/blob"
)

// ImageLister enumerates the blob URLs currently referenced by image
// entities. Satisfied by gallery.Repository.
type ImageLister interface {
	ListAllImageURLs(ctx context.Context) ([]string, error)
}

// Options configures a Sweeper.
type Options struct {
	Images ImageLister
	Blob   blob.Store
	// Grace is how long an object must stay unreferenced before it is
	// deleted. It shields uploads that are between the blob write and the
	// entity write when a sweep runs. Zero means delete on first sight.
	Grace  time.Duration
	Logger zerolog.Logger
}

// Sweeper deletes unreferenced blobs.
type Sweeper struct {
	images ImageLister
	blob   blob.Store
	grace  time.Duration
	log    zerolog.Logger

	mu        sync.Mutex
	firstSeen map[string]time.Time
	now       func() time.Time
}

// NewSweeper wires the image index and blob store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	return &Sweeper{
		images:    opts.Images,
		blob:      opts.Blob,
		grace:     opts.Grace,
		log:       opts.Logger,
		firstSeen: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Sweep performs one pass and returns the number of blobs deleted. An object
// is deleted once it has been observed unreferenced for at least the grace
// window.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.images == nil || s.blob == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	urls, err := s.images.ListAllImageURLs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list image urls: %w", err)
	}
	names, err := s.blob.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list blobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orphans := make(map[string]bool, len(names))
	var deleted int
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if referenced(urls, name) {
			continue
		}
		orphans[name] = true
		seen, ok := s.firstSeen[name]
		if !ok {
			s.firstSeen[name] = s.now()
			continue
		}
		if s.now().Sub(seen) < s.grace {
			continue
		}
		if err := s.blob.Delete(ctx, name); err != nil {
			s.log.Warn().Err(err).Str("name", name).Msg("gc delete failed")
			continue
		}
		delete(s.firstSeen, name)
		deleted++
		s.log.Info().Str("name", name).Msg("gc deleted orphan blob")
	}
	// Forget candidates that regained a reference or disappeared.
	for name := range s.firstSeen {
		if !orphans[name] {
			delete(s.firstSeen, name)
		}
	}
	return deleted, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("gc sweep failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

// referenced reports whether any stored URL addresses the named object. URLs
// are the object name appended to an opaque base, so a suffix match on a
// path boundary is sufficient.
func referenced(urls []string, name string) bool {
	for _, url := range urls {
		if strings.HasSuffix(url, "/"+name) {
			return true
		}
	}
	return false
}
