package blob

import (
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jacktea/photostore/pkg/xerrors"
)

const defaultContentType = "application/octet-stream"

// S3Config configures an S3-compatible object store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL overrides the URL prefix returned by Put. When empty the
	// endpoint URL plus bucket is used, which assumes a public-read bucket
	// policy managed by the deployment.
	PublicBaseURL string
}

// S3Store persists objects in an S3-compatible bucket.
type S3Store struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewS3Store creates a minio-backed Store.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "S3Store", "endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "S3Store", cfg.Endpoint, err)
	}
	publicBase := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		publicBase = client.EndpointURL().String() + "/" + cfg.Bucket
	}
	return &S3Store{client: client, bucket: cfg.Bucket, publicBase: publicBase}, nil
}

func (s *S3Store) Put(ctx context.Context, r io.Reader, size int64, name string) (string, error) {
	if name == "" {
		return "", xerrors.E(xerrors.KindInvalid, "S3Store.Put", "name")
	}
	_, err := s.client.PutObject(ctx, s.bucket, name, r, size,
		minio.PutObjectOptions{ContentType: defaultContentType})
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindUnavailable, "S3Store.Put", name, err)
	}
	return s.publicBase + "/" + name, nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindUnavailable, "S3Store.Open", name, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, xerrors.Wrap(xerrors.KindNotFound, "S3Store.Open", name, err)
		}
		return nil, 0, xerrors.Wrap(xerrors.KindUnavailable, "S3Store.Open", name, err)
	}
	return obj, info.Size, nil
}

func (s *S3Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnavailable, "S3Store.Delete", name, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindUnavailable, "S3Store.Exists", name, err)
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, xerrors.Wrap(xerrors.KindUnavailable, "S3Store.List", "", obj.Err)
		}
		out = append(out, obj.Key)
	}
	return out, nil
}
