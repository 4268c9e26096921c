package gallery

import (
	"context"
	"sort"

	"github.com/jacktea/photostore/pkg/entity"
	"github.com/jacktea/photostore/pkg/xerrors"
)

// Granularity selects the ownership scope a duplicate check runs against.
type Granularity string

const (
	// GranularityGallery rejects duplicates within one gallery; the same
	// content may still live in two galleries of the same owner.
	GranularityGallery Granularity = "gallery"
	// GranularityOwner rejects duplicates across the owner's whole
	// collection.
	GranularityOwner Granularity = "owner"
)

// Scope names the ownership slice a candidate upload lands in.
type Scope struct {
	Owner     string
	GalleryID int64
}

// Detector decides whether a digest already exists within a scope and
// surveys an owner's collection for stored duplicates. Digest equality is
// the sole criterion: a fingerprint collision between different content
// counts as a duplicate, which is acceptable for an advisory check.
type Detector struct {
	store       entity.Store
	granularity Granularity
}

// NewDetector builds a detector with the configured dedup granularity.
func NewDetector(store entity.Store, granularity Granularity) *Detector {
	if granularity == "" {
		granularity = GranularityGallery
	}
	return &Detector{store: store, granularity: granularity}
}

// Granularity reports the configured scope width.
func (d *Detector) Granularity() Granularity { return d.granularity }

// Check returns the stored images colliding with digest inside scope. An
// empty result means the upload may proceed. The check is advisory and not
// transactional; the strict upload mode reruns it inside a transaction.
func (d *Detector) Check(ctx context.Context, scope Scope, digest string) ([]Image, error) {
	return checkDuplicates(ctx, d.store, d.granularity, scope, digest)
}

// checkDuplicates is shared with the strict-mode uploader so the same query
// can run inside an entity transaction.
func checkDuplicates(ctx context.Context, ops storeOps, granularity Granularity, scope Scope, digest string) ([]Image, error) {
	if scope.Owner == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "Detector.Check", "owner")
	}
	ancestor := userKey(scope.Owner)
	if granularity == GranularityGallery {
		ancestor = galleryKey(scope.Owner, scope.GalleryID)
	}
	out, err := ops.Run(ctx, entity.Query{
		Kind:     KindImage,
		Ancestor: ancestor,
		Filters:  []entity.Filter{{Field: propImageHash, Op: entity.OpEqual, Value: digest}},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "Detector.Check", ancestor.String(), err)
	}
	images := make([]Image, 0, len(out))
	for _, e := range out {
		images = append(images, imageFromEntity(e))
	}
	return images, nil
}

// Survey scans the owner's whole image set, groups it by digest, and returns
// only the groups holding more than one image. Full scan, O(images): fine at
// personal-gallery scale.
func (d *Detector) Survey(ctx context.Context, owner string) ([]DuplicateGroup, error) {
	if owner == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "Detector.Survey", "owner")
	}
	out, err := d.store.Run(ctx, entity.Query{
		Kind:     KindImage,
		Ancestor: userKey(owner),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "Detector.Survey", owner, err)
	}
	buckets := make(map[string][]Image)
	for _, e := range out {
		img := imageFromEntity(e)
		buckets[img.Digest] = append(buckets[img.Digest], img)
	}
	groups := make([]DuplicateGroup, 0)
	for digest, members := range buckets {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
				return members[i].CreatedAt.Before(members[j].CreatedAt)
			}
			return members[i].ID < members[j].ID
		})
		groups = append(groups, DuplicateGroup{Digest: digest, Members: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Digest < groups[j].Digest })
	return groups, nil
}
