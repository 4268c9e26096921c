// Package webapi exposes the gallery service over HTTP. Every route except
// the health check requires a verified bearer token; the owner for all data
// access is the token's subject, never a request parameter.
package webapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jacktea/photostore/pkg/auth"
	"github.com/jacktea/photostore/pkg/blob"
	"github.com/jacktea/photostore/pkg/gallery"
)

// Config holds the HTTP-facing settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// RateLimit caps requests per RateWindow across all clients. Zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// MaxUploadBytes bounds one image upload. Zero means the default.
	MaxUploadBytes int64
}

const defaultMaxUploadBytes = 32 << 20

// Server wires the router, handlers and middleware.
type Server struct {
	cfg      Config
	repo     *gallery.Repository
	uploader *gallery.Uploader
	detector *gallery.Detector
	blobs    blob.Store
	verifier auth.Verifier
	log      zerolog.Logger
	router   *gin.Engine
}

// NewServer builds the router. The gin mode is left to the caller; tests run
// in whatever mode the process set.
func NewServer(cfg Config, repo *gallery.Repository, uploader *gallery.Uploader, detector *gallery.Detector, blobs blob.Store, verifier auth.Verifier, logger zerolog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		cfg:      cfg,
		repo:     repo,
		uploader: uploader,
		detector: detector,
		blobs:    blobs,
		verifier: verifier,
		log:      logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(s.log))
	if limit := rateLimit(s.cfg.RateLimit, s.cfg.RateWindow); limit != nil {
		router.Use(limit)
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", s.health)

	authed := router.Group("/", s.authenticate())
	authed.GET("/galleries", s.listGalleries)
	authed.POST("/galleries", s.createGallery)
	authed.GET("/galleries/:id", s.getGallery)
	authed.PUT("/galleries/:id", s.updateGallery)
	authed.DELETE("/galleries/:id", s.deleteGallery)
	authed.GET("/galleries/:id/images", s.listImages)
	authed.POST("/galleries/:id/images", s.uploadImage)
	authed.DELETE("/galleries/:id/images/:imageID", s.deleteImage)
	authed.GET("/duplicates", s.listDuplicates)

	router.NoRoute(func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "not found"}) })
	return router
}

// Handler returns the router as an http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
