// Package blob abstracts the opaque content store that holds uploaded image
// bytes. Entities only ever record the public URL a Put returned; everything
// else about the backend stays behind this interface.
package blob

import (
	"context"
	"io"
)

// Store is the minimal interface required by higher layers. Object names are
// chosen by the caller; both implementations overwrite an existing object of
// the same name rather than failing, so name collisions are tolerated.
type Store interface {
	// Put persists the reader under name and returns a public URL.
	Put(ctx context.Context, r io.Reader, size int64, name string) (string, error)
	// Open returns the stored content and its size.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	// List enumerates every stored object name. Used by the orphan sweeper.
	List(ctx context.Context) ([]string, error)
}
