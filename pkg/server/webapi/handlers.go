package webapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jacktea/photostore/pkg/gallery"
	"github.com/jacktea/photostore/pkg/xerrors"
)

// allowedExtensions is what the upload endpoint accepts, keyed by the
// lowercased filename extension including the dot.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

type galleryPayload struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CoverURL    string `json:"cover_url,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type imagePayload struct {
	ID        int64  `json:"id"`
	GalleryID int64  `json:"gallery_id"`
	URL       string `json:"url"`
	Digest    string `json:"digest"`
	CreatedAt string `json:"created_at"`
}

type duplicateGroupPayload struct {
	Digest string         `json:"digest"`
	Images []imagePayload `json:"images"`
}

func toGalleryPayload(g gallery.Gallery, coverURL string) galleryPayload {
	return galleryPayload{
		ID:          g.ID,
		Title:       g.Title,
		Description: g.Description,
		CoverURL:    coverURL,
		CreatedAt:   g.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   g.UpdatedAt.Format(time.RFC3339),
	}
}

func toImagePayload(img gallery.Image) imagePayload {
	return imagePayload{
		ID:        img.ID,
		GalleryID: img.GalleryID,
		URL:       img.URL,
		Digest:    img.Digest,
		CreatedAt: img.CreatedAt.Format(time.RFC3339),
	}
}

func toImagePayloads(images []gallery.Image) []imagePayload {
	out := make([]imagePayload, 0, len(images))
	for _, img := range images {
		out = append(out, toImagePayload(img))
	}
	return out
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listGalleries(c *gin.Context) {
	ctx := c.Request.Context()
	claims := currentClaims(c)
	galleries, err := s.repo.ListGalleries(ctx, claims.Subject)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]galleryPayload, 0, len(galleries))
	for _, g := range galleries {
		var coverURL string
		cover, ok, err := s.repo.CoverImage(ctx, claims.Subject, g.ID)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Int64("gallery_id", g.ID).Msg("cover lookup failed")
		case ok:
			coverURL = cover.URL
		}
		out = append(out, toGalleryPayload(g, coverURL))
	}
	c.JSON(http.StatusOK, gin.H{"galleries": out})
}

func (s *Server) createGallery(c *gin.Context) {
	claims := currentClaims(c)
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	g, err := s.repo.CreateGallery(c.Request.Context(), claims.Subject, req.Title, req.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"gallery": toGalleryPayload(g, "")})
}

func (s *Server) getGallery(c *gin.Context) {
	ctx := c.Request.Context()
	claims := currentClaims(c)
	galleryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	g, err := s.repo.GetGallery(ctx, claims.Subject, galleryID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	images, err := s.repo.ListImages(ctx, claims.Subject, galleryID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gallery": toGalleryPayload(g, ""),
		"images":  toImagePayloads(images),
	})
}

func (s *Server) updateGallery(c *gin.Context) {
	claims := currentClaims(c)
	galleryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	g, err := s.repo.UpdateGallery(c.Request.Context(), claims.Subject, galleryID, req.Title, req.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gallery": toGalleryPayload(g, "")})
}

func (s *Server) deleteGallery(c *gin.Context) {
	claims := currentClaims(c)
	galleryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.repo.DeleteGallery(c.Request.Context(), claims.Subject, galleryID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listImages(c *gin.Context) {
	ctx := c.Request.Context()
	claims := currentClaims(c)
	galleryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.repo.GetGallery(ctx, claims.Subject, galleryID); err != nil {
		s.writeError(c, err)
		return
	}
	images, err := s.repo.ListImages(ctx, claims.Subject, galleryID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": toImagePayloads(images)})
}

func (s *Server) uploadImage(c *gin.Context) {
	claims := currentClaims(c)
	galleryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file"})
		return
	}
	defer file.Close()

	ext := strings.ToLower(path.Ext(header.Filename))
	if !allowedExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	// The uploader needs to read the stream twice (digest, then store), so
	// buffer it. MaxUploadBytes bounds the buffer.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	if n > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	img, err := s.uploader.Upload(c.Request.Context(), claims.Subject, galleryID, ext, bytes.NewReader(buf.Bytes()), n)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"image": toImagePayload(img)})
}

func (s *Server) deleteImage(c *gin.Context) {
	ctx := c.Request.Context()
	claims := currentClaims(c)
	galleryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	imageID, ok := pathID(c, "imageID")
	if !ok {
		return
	}
	removed, err := s.repo.DeleteImage(ctx, claims.Subject, galleryID, imageID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	// The blob is shared by every image of the owner with the same digest;
	// only delete it once the last reference is gone. Best effort either
	// way; the sweeper picks up anything this misses.
	referenced, err := s.repo.DigestReferenced(ctx, claims.Subject, removed.Digest)
	if err != nil {
		s.log.Warn().Err(err).Str("digest", removed.Digest).Msg("digest reference check failed")
	} else if !referenced {
		name := claims.Subject + "/" + path.Base(removed.URL)
		if err := s.blobs.Delete(ctx, name); err != nil {
			s.log.Warn().Err(err).Str("name", name).Msg("blob delete failed")
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listDuplicates(c *gin.Context) {
	claims := currentClaims(c)
	groups, err := s.detector.Survey(c.Request.Context(), claims.Subject)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]duplicateGroupPayload, 0, len(groups))
	for _, g := range groups {
		out = append(out, duplicateGroupPayload{Digest: g.Digest, Images: toImagePayloads(g.Members)})
	}
	c.JSON(http.StatusOK, gin.H{"duplicates": out})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP statuses. Duplicate uploads carry
// the conflicting images so the client can show them.
func (s *Server) writeError(c *gin.Context, err error) {
	var dup *gallery.DuplicateError
	if errors.As(err, &dup) {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "duplicate image",
			"digest":   dup.Digest,
			"existing": toImagePayloads(dup.Existing),
		})
		return
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case xerrors.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case xerrors.KindDuplicate:
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate"})
	case xerrors.KindUnauthorized:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case xerrors.KindUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	default:
		s.log.Error().Err(err).Str("request_id", c.GetString(headerRequestID)).Msg("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
