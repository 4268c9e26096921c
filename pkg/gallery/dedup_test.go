package gallery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/photostore/pkg/entity"
)

func seedImage(t *testing.T, repo *Repository, owner string, galleryID int64, digest string) Image {
	t.Helper()
	img, err := repo.CreateImage(context.Background(), owner, galleryID, "http://blobs/"+digest, digest)
	require.NoError(t, err)
	return img
}

func TestDetectorCheckGalleryScope(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	repo := NewRepository(store, RepositoryConfig{})
	det := NewDetector(store, GranularityGallery)

	g1, err := repo.CreateGallery(ctx, "sub-1", "G1", "")
	require.NoError(t, err)
	g2, err := repo.CreateGallery(ctx, "sub-1", "G2", "")
	require.NoError(t, err)
	seedImage(t, repo, "sub-1", g1.ID, "h1")

	hits, err := det.Check(ctx, Scope{Owner: "sub-1", GalleryID: g1.ID}, "h1")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Same content in a sibling gallery is not a duplicate at gallery
	// granularity.
	hits, err = det.Check(ctx, Scope{Owner: "sub-1", GalleryID: g2.ID}, "h1")
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = det.Check(ctx, Scope{Owner: "sub-1", GalleryID: g1.ID}, "h2")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestDetectorCheckOwnerScope(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	repo := NewRepository(store, RepositoryConfig{})
	det := NewDetector(store, GranularityOwner)

	g1, err := repo.CreateGallery(ctx, "sub-1", "G1", "")
	require.NoError(t, err)
	g2, err := repo.CreateGallery(ctx, "sub-1", "G2", "")
	require.NoError(t, err)
	seedImage(t, repo, "sub-1", g1.ID, "h1")

	// At owner granularity the sibling gallery does see the hit.
	hits, err := det.Check(ctx, Scope{Owner: "sub-1", GalleryID: g2.ID}, "h1")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Another owner never does.
	og, err := repo.CreateGallery(ctx, "sub-2", "G", "")
	require.NoError(t, err)
	hits, err = det.Check(ctx, Scope{Owner: "sub-2", GalleryID: og.ID}, "h1")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestDetectorSurvey(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	repo := NewRepository(store, RepositoryConfig{})
	repo.now = newFakeClock().Now
	det := NewDetector(store, GranularityGallery)

	g1, err := repo.CreateGallery(ctx, "sub-1", "G1", "")
	require.NoError(t, err)
	g2, err := repo.CreateGallery(ctx, "sub-1", "G2", "")
	require.NoError(t, err)

	// Five images across two galleries: h1 twice, h2 once, h3 twice.
	a := seedImage(t, repo, "sub-1", g1.ID, "h1")
	b := seedImage(t, repo, "sub-1", g2.ID, "h1")
	seedImage(t, repo, "sub-1", g1.ID, "h2")
	d := seedImage(t, repo, "sub-1", g2.ID, "h3")
	e := seedImage(t, repo, "sub-1", g1.ID, "h3")

	// Noise from another owner must not leak into the survey.
	og, err := repo.CreateGallery(ctx, "sub-2", "G", "")
	require.NoError(t, err)
	seedImage(t, repo, "sub-2", og.ID, "h1")

	groups, err := det.Survey(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, groups, 2)

	require.Equal(t, "h1", groups[0].Digest)
	require.Equal(t, []int64{a.ID, b.ID}, imageIDs(groups[0].Members))
	require.Equal(t, "h3", groups[1].Digest)
	require.Equal(t, []int64{d.ID, e.ID}, imageIDs(groups[1].Members))
}

func TestDetectorSurveyEmpty(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	det := NewDetector(store, GranularityGallery)

	groups, err := det.Survey(ctx, "sub-1")
	require.NoError(t, err)
	require.Empty(t, groups)
}

func imageIDs(images []Image) []int64 {
	ids := make([]int64, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	return ids
}
