// Package gallery owns the User/Gallery/Image schemas, their hierarchical
// key construction, and the duplicate detection over content digests. Every
// operation takes the owner identifier explicitly; nothing here reads
// ambient session state.
package gallery

import (
	"context"
	"fmt"
	"time"

	"github.com/jacktea/photostore/pkg/entity"
	"github.com/jacktea/photostore/pkg/xerrors"
)

// Entity kinds.
const (
	KindUser    = "User"
	KindGallery = "Gallery"
	KindImage   = "Image"
)

// Property names.
const (
	propEmail       = "email"
	propTitle       = "title"
	propDescription = "description"
	propURL         = "url"
	propImageHash   = "image_hash"
	propCreatedAt   = "created_at"
	propUpdatedAt   = "updated_at"
)

// timeFormat is fixed-width UTC so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// User is created lazily on first authenticated request. The identifier is
// the externally issued subject from the auth token.
type User struct {
	ID    string
	Email string
}

// Gallery groups images under one owner.
type Gallery struct {
	ID          int64
	Title       string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Image records one stored upload. The key path is
// User/<owner>/Gallery/<galleryID>/Image/<id>, so gallery membership is
// structural rather than a denormalized field.
type Image struct {
	ID        int64
	GalleryID int64
	URL       string
	Digest    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DuplicateGroup is one bucket of images sharing a digest.
type DuplicateGroup struct {
	Digest  string
	Members []Image
}

// storeOps is the subset of entity.Store shared with entity.Txn, so the same
// read/write helpers run inside and outside a transaction.
type storeOps interface {
	Get(ctx context.Context, key entity.Key) (entity.Entity, error)
	Put(ctx context.Context, e entity.Entity) (entity.Entity, error)
	Delete(ctx context.Context, key entity.Key) error
	Run(ctx context.Context, q entity.Query) ([]entity.Entity, error)
}

func userKey(owner string) entity.Key {
	return entity.NameKey(KindUser, owner, nil)
}

func galleryKey(owner string, galleryID int64) entity.Key {
	return entity.IDKey(KindGallery, galleryID, userKey(owner))
}

func imageKey(owner string, galleryID, imageID int64) entity.Key {
	return entity.IDKey(KindImage, imageID, galleryKey(owner, galleryID))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func stringProp(v any) string {
	s, _ := v.(string)
	return s
}

func userFromEntity(e entity.Entity) User {
	return User{
		ID:    e.Key.Name(),
		Email: stringProp(e.Props[propEmail]),
	}
}

func galleryFromEntity(e entity.Entity) Gallery {
	return Gallery{
		ID:          e.Key.ID(),
		Title:       stringProp(e.Props[propTitle]),
		Description: stringProp(e.Props[propDescription]),
		CreatedAt:   parseTime(e.Props[propCreatedAt]),
		UpdatedAt:   parseTime(e.Props[propUpdatedAt]),
	}
}

func imageFromEntity(e entity.Entity) Image {
	return Image{
		ID:        e.Key.ID(),
		GalleryID: e.Key.Parent().ID(),
		URL:       stringProp(e.Props[propURL]),
		Digest:    stringProp(e.Props[propImageHash]),
		CreatedAt: parseTime(e.Props[propCreatedAt]),
		UpdatedAt: parseTime(e.Props[propUpdatedAt]),
	}
}

// DuplicateError reports a pre-write rejection, naming the stored images the
// candidate collides with.
type DuplicateError struct {
	Digest   string
	Existing []Image
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate image detected: digest %s matches %d stored image(s)", e.Digest, len(e.Existing))
}

// Unwrap ties the error into the xerrors taxonomy.
func (e *DuplicateError) Unwrap() error {
	return xerrors.E(xerrors.KindDuplicate, "", e.Digest)
}
