package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jacktea/photostore/pkg/blob"
	"github.com/jacktea/photostore/pkg/entity"
	"github.com/jacktea/photostore/pkg/fingerprint"
	"github.com/jacktea/photostore/pkg/xerrors"
)

// Mode selects how the duplicate check is ordered against the insert.
type Mode string

const (
	// ModeRelaxed runs the unguarded check-then-act sequence: two
	// concurrent identical uploads can both pass the check and both land.
	// Accepted limitation, cheap.
	ModeRelaxed Mode = "relaxed"
	// ModeStrict wraps the check and the entity insert in one store
	// transaction, so exactly one of two concurrent identical uploads wins.
	ModeStrict Mode = "strict"
)

// Uploader drives the hash, check, blob write, entity write sequence of one
// upload request.
type Uploader struct {
	store    entity.Store
	blobs    blob.Store
	detector *Detector
	mode     Mode
	now      func() time.Time
}

// NewUploader wires the upload pipeline.
func NewUploader(store entity.Store, blobs blob.Store, detector *Detector, mode Mode) *Uploader {
	if mode == "" {
		mode = ModeRelaxed
	}
	return &Uploader{store: store, blobs: blobs, detector: detector, mode: mode, now: time.Now}
}

// Mode reports the configured consistency mode.
func (u *Uploader) Mode() Mode { return u.mode }

// Upload fingerprints the stream, rejects duplicates within the configured
// scope, stores the blob, and records the Image entity. The entity write
// happens only after the blob write succeeded, so a failure partway leaves
// at worst an orphan blob — never an entity without content.
func (u *Uploader) Upload(ctx context.Context, owner string, galleryID int64, ext string, rs io.ReadSeeker, size int64) (Image, error) {
	// Resolve the gallery up front so a bad target never costs a blob write.
	if _, err := u.store.Get(ctx, galleryKey(owner, galleryID)); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return Image{}, xerrors.E(xerrors.KindNotFound, "Uploader.Upload", galleryKey(owner, galleryID).String())
		}
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Uploader.Upload", "gallery", err)
	}
	digest, err := fingerprint.Digest(rs)
	if err != nil {
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Uploader.Upload", "digest", err)
	}
	if u.mode == ModeStrict {
		return u.uploadStrict(ctx, owner, galleryID, ext, rs, size, digest)
	}
	return u.uploadRelaxed(ctx, owner, galleryID, ext, rs, size, digest)
}

func (u *Uploader) uploadRelaxed(ctx context.Context, owner string, galleryID int64, ext string, rs io.ReadSeeker, size int64, digest string) (Image, error) {
	existing, err := checkDuplicates(ctx, u.store, u.detector.Granularity(), Scope{Owner: owner, GalleryID: galleryID}, digest)
	if err != nil {
		return Image{}, err
	}
	if len(existing) > 0 {
		return Image{}, &DuplicateError{Digest: digest, Existing: existing}
	}
	url, err := u.putBlob(ctx, owner, digest, ext, rs, size)
	if err != nil {
		return Image{}, err
	}
	return createImage(ctx, u.store, owner, galleryID, url, digest, u.now)
}

// uploadStrict holds one store transaction across the check and the insert.
// The blob write sits inside the transaction window, which serialises
// concurrent uploads; acceptable at this workload.
func (u *Uploader) uploadStrict(ctx context.Context, owner string, galleryID int64, ext string, rs io.ReadSeeker, size int64, digest string) (Image, error) {
	txn, err := u.store.Begin(ctx)
	if err != nil {
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Uploader.Upload", "begin", err)
	}
	defer txn.Rollback(ctx)

	existing, err := checkDuplicates(ctx, txn, u.detector.Granularity(), Scope{Owner: owner, GalleryID: galleryID}, digest)
	if err != nil {
		return Image{}, err
	}
	if len(existing) > 0 {
		return Image{}, &DuplicateError{Digest: digest, Existing: existing}
	}
	url, err := u.putBlob(ctx, owner, digest, ext, rs, size)
	if err != nil {
		return Image{}, err
	}
	img, err := createImage(ctx, txn, owner, galleryID, url, digest, u.now)
	if err != nil {
		return Image{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Image{}, xerrors.Wrap(xerrors.KindUnavailable, "Uploader.Upload", "commit", err)
	}
	return img, nil
}

func (u *Uploader) putBlob(ctx context.Context, owner, digest, ext string, rs io.ReadSeeker, size int64) (string, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", xerrors.Wrap(xerrors.KindUnavailable, "Uploader.Upload", "rewind", err)
	}
	// Content-addressed name: a same-content retry overwrites the same
	// object instead of colliding.
	name := fmt.Sprintf("%s/%s%s", owner, digest, ext)
	url, err := u.blobs.Put(ctx, rs, size, name)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindUnavailable, "Uploader.Upload", name, err)
	}
	return url, nil
}
