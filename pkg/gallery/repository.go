package gallery

import (
	"context"
	"errors"
	"time"

	"github.com/jacktea/photostore/pkg/entity"
	"github.com/jacktea/photostore/pkg/xerrors"
)

// RepositoryConfig tunes repository behaviour.
type RepositoryConfig struct {
	// CascadeDelete removes a gallery's images together with the gallery.
	// Off by default: deleting a gallery then leaves its images retrievable
	// by direct key, and their blobs are reclaimed by the gc sweeper.
	CascadeDelete bool
}

// Repository owns all CRUD and query operations over users, galleries and
// images. Ownership isolation is enforced at key construction: every key is
// built from the owner argument, so a mismatched owner can only miss.
type Repository struct {
	store entity.Store
	cfg   RepositoryConfig
	now   func() time.Time
}

// NewRepository wires a repository over an entity store.
func NewRepository(store entity.Store, cfg RepositoryConfig) *Repository {
	return &Repository{store: store, cfg: cfg, now: time.Now}
}

// EnsureUser fetches the owner's User entity, creating it on first sight.
func (r *Repository) EnsureUser(ctx context.Context, owner, email string) (User, error) {
	if owner == "" {
		return User{}, xerrors.E(xerrors.KindInvalid, "Repository.EnsureUser", "owner")
	}
	key := userKey(owner)
	e, err := r.store.Get(ctx, key)
	if err == nil {
		return userFromEntity(e), nil
	}
	if !errors.Is(err, entity.ErrNotFound) {
		return User{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.EnsureUser", owner, err)
	}
	created, err := r.store.Put(ctx, entity.Entity{
		Key: key,
		Props: map[string]any{
			propEmail:     email,
			propCreatedAt: formatTime(r.now()),
		},
	})
	if err != nil {
		return User{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.EnsureUser", owner, err)
	}
	return userFromEntity(created), nil
}

// CreateGallery allocates a gallery keyed under the owner.
func (r *Repository) CreateGallery(ctx context.Context, owner, title, description string) (Gallery, error) {
	if owner == "" {
		return Gallery{}, xerrors.E(xerrors.KindInvalid, "Repository.CreateGallery", "owner")
	}
	if title == "" {
		return Gallery{}, xerrors.E(xerrors.KindInvalid, "Repository.CreateGallery", "title")
	}
	now := formatTime(r.now())
	created, err := r.store.Put(ctx, entity.Entity{
		Key: entity.IncompleteKey(KindGallery, userKey(owner)),
		Props: map[string]any{
			propTitle:       title,
			propDescription: description,
			propCreatedAt:   now,
			propUpdatedAt:   now,
		},
	})
	if err != nil {
		return Gallery{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.CreateGallery", owner, err)
	}
	return galleryFromEntity(created), nil
}

// ListGalleries returns the owner's galleries, newest first.
func (r *Repository) ListGalleries(ctx context.Context, owner string) ([]Gallery, error) {
	out, err := r.store.Run(ctx, entity.Query{
		Kind:     KindGallery,
		Ancestor: userKey(owner),
		Orders:   []entity.Order{{Field: propCreatedAt, Descending: true}},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "Repository.ListGalleries", owner, err)
	}
	galleries := make([]Gallery, 0, len(out))
	for _, e := range out {
		galleries = append(galleries, galleryFromEntity(e))
	}
	return galleries, nil
}

// GetGallery resolves one gallery. Absent and not-yours are the same error.
func (r *Repository) GetGallery(ctx context.Context, owner string, galleryID int64) (Gallery, error) {
	key := galleryKey(owner, galleryID)
	e, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return Gallery{}, xerrors.E(xerrors.KindNotFound, "Repository.GetGallery", key.String())
		}
		return Gallery{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.GetGallery", key.String(), err)
	}
	return galleryFromEntity(e), nil
}

// UpdateGallery edits title and description only, refreshing updated_at.
func (r *Repository) UpdateGallery(ctx context.Context, owner string, galleryID int64, title, description string) (Gallery, error) {
	if title == "" {
		return Gallery{}, xerrors.E(xerrors.KindInvalid, "Repository.UpdateGallery", "title")
	}
	key := galleryKey(owner, galleryID)
	e, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return Gallery{}, xerrors.E(xerrors.KindNotFound, "Repository.UpdateGallery", key.String())
		}
		return Gallery{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.UpdateGallery", key.String(), err)
	}
	e.Props[propTitle] = title
	e.Props[propDescription] = description
	e.Props[propUpdatedAt] = formatTime(r.now())
	updated, err := r.store.Put(ctx, e)
	if err != nil {
		return Gallery{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.UpdateGallery", key.String(), err)
	}
	return galleryFromEntity(updated), nil
}

// DeleteGallery removes a gallery. Images are removed too only when
// CascadeDelete is configured; their blobs are never touched here.
func (r *Repository) DeleteGallery(ctx context.Context, owner string, galleryID int64) error {
	key := galleryKey(owner, galleryID)
	if _, err := r.store.Get(ctx, key); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return xerrors.E(xerrors.KindNotFound, "Repository.DeleteGallery", key.String())
		}
		return xerrors.Wrap(xerrors.KindUnavailable, "Repository.DeleteGallery", key.String(), err)
	}
	if r.cfg.CascadeDelete {
		images, err := r.store.Run(ctx, entity.Query{Kind: KindImage, Ancestor: key})
		if err != nil {
			return xerrors.Wrap(xerrors.KindUnavailable, "Repository.DeleteGallery", key.String(), err)
		}
		for _, img := range images {
			if err := r.store.Delete(ctx, img.Key); err != nil {
				return xerrors.Wrap(xerrors.KindUnavailable, "Repository.DeleteGallery", img.Key.String(), err)
			}
		}
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return xerrors.Wrap(xerrors.KindUnavailable, "Repository.DeleteGallery", key.String(), err)
	}
	return nil
}

// CreateImage records a stored upload under its gallery. The blob must
// already be written; this is the last step of an upload.
func (r *Repository) CreateImage(ctx context.Context, owner string, galleryID int64, url, digest string) (Image, error) {
	return createImage(ctx, r.store, owner, galleryID, url, digest, r.now)
}

// createImage is shared with the strict-mode uploader, which runs it inside
// an entity transaction.
func createImage(ctx context.Context, ops storeOps, owner string, galleryID int64, url, digest string, now func() time.Time) (Image, error) {
	parent := galleryKey(owner, galleryID)
	if _, err := ops.Get(ctx, parent); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return Image{}, xerrors.E(xerrors.KindNotFound, "Repository.CreateImage", parent.String())
		}
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.CreateImage", parent.String(), err)
	}
	stamp := formatTime(now())
	created, err := ops.Put(ctx, entity.Entity{
		Key: entity.IncompleteKey(KindImage, parent),
		Props: map[string]any{
			propURL:       url,
			propImageHash: digest,
			propCreatedAt: stamp,
			propUpdatedAt: stamp,
		},
	})
	if err != nil {
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.CreateImage", parent.String(), err)
	}
	return imageFromEntity(created), nil
}

// GetImage resolves one image by its full key path.
func (r *Repository) GetImage(ctx context.Context, owner string, galleryID, imageID int64) (Image, error) {
	key := imageKey(owner, galleryID, imageID)
	e, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return Image{}, xerrors.E(xerrors.KindNotFound, "Repository.GetImage", key.String())
		}
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.GetImage", key.String(), err)
	}
	return imageFromEntity(e), nil
}

// DeleteImage removes the entity and returns what was removed so the caller
// can reclaim the blob.
func (r *Repository) DeleteImage(ctx context.Context, owner string, galleryID, imageID int64) (Image, error) {
	key := imageKey(owner, galleryID, imageID)
	e, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return Image{}, xerrors.E(xerrors.KindNotFound, "Repository.DeleteImage", key.String())
		}
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.DeleteImage", key.String(), err)
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Repository.DeleteImage", key.String(), err)
	}
	return imageFromEntity(e), nil
}

// ListImages returns a gallery's images in upload order (oldest first).
func (r *Repository) ListImages(ctx context.Context, owner string, galleryID int64) ([]Image, error) {
	out, err := r.store.Run(ctx, entity.Query{
		Kind:     KindImage,
		Ancestor: galleryKey(owner, galleryID),
		Orders:   []entity.Order{{Field: propCreatedAt}},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "Repository.ListImages", owner, err)
	}
	images := make([]Image, 0, len(out))
	for _, e := range out {
		images = append(images, imageFromEntity(e))
	}
	return images, nil
}

// CoverImage returns the oldest image of a gallery, if any.
func (r *Repository) CoverImage(ctx context.Context, owner string, galleryID int64) (Image, bool, error) {
	out, err := r.store.Run(ctx, entity.Query{
		Kind:     KindImage,
		Ancestor: galleryKey(owner, galleryID),
		Orders:   []entity.Order{{Field: propCreatedAt}},
		Limit:    1,
	})
	if err != nil {
		return Image{}, false, xerrors.Wrap(xerrors.KindUnavailable, "Repository.CoverImage", owner, err)
	}
	if len(out) == 0 {
		return Image{}, false, nil
	}
	return imageFromEntity(out[0]), true, nil
}

// DigestReferenced reports whether any of the owner's images still carries
// digest. Blob names are digest-derived, so a blob may back several image
// entities; callers must not delete it while this returns true.
func (r *Repository) DigestReferenced(ctx context.Context, owner, digest string) (bool, error) {
	out, err := r.store.Run(ctx, entity.Query{
		Kind:     KindImage,
		Ancestor: userKey(owner),
		Filters:  []entity.Filter{{Field: propImageHash, Op: entity.OpEqual, Value: digest}},
		Limit:    1,
	})
	if err != nil {
		return false, xerrors.Wrap(xerrors.KindUnavailable, "Repository.DigestReferenced", owner, err)
	}
	return len(out) > 0, nil
}

// ListAllImageURLs returns the URL of every image across all owners. The gc
// sweeper uses it to decide which blobs are still referenced.
func (r *Repository) ListAllImageURLs(ctx context.Context) ([]string, error) {
	out, err := r.store.Run(ctx, entity.Query{Kind: KindImage})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "Repository.ListAllImageURLs", "", err)
	}
	urls := make([]string, 0, len(out))
	for _, e := range out {
		urls = append(urls, stringProp(e.Props[propURL]))
	}
	return urls, nil
}

// DeleteUser removes a user entity only. Administrative API; galleries and
// images keyed under the user stay until removed explicitly.
func (r *Repository) DeleteUser(ctx context.Context, owner string) error {
	if err := r.store.Delete(ctx, userKey(owner)); err != nil {
		return xerrors.Wrap(xerrors.KindUnavailable, "Repository.DeleteUser", owner, err)
	}
	return nil
}
