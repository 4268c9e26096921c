package blob

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/photostore/pkg/xerrors"
)

// PathStore persists objects on a billy filesystem (osfs in production,
// memfs in tests). URLs are baseURL + "/" + name.
type PathStore struct {
	fs      billy.Filesystem
	baseURL string
}

// NewPathStore returns a Store rooted at fs.
func NewPathStore(fs billy.Filesystem, baseURL string) (*PathStore, error) {
	if fs == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "filesystem")
	}
	return &PathStore{fs: fs, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (p *PathStore) Put(ctx context.Context, r io.Reader, size int64, name string) (string, error) {
	if name == "" {
		return "", xerrors.E(xerrors.KindInvalid, "PathStore.Put", "name")
	}
	if dir := path.Dir(name); dir != "." && dir != "/" {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return "", xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Put", name, err)
		}
	}
	tmp, err := util.TempFile(p.fs, path.Dir(name), "upload-*")
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Put", name, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		p.fs.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Put", name, err)
	}
	if err := tmp.Close(); err != nil {
		p.fs.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Put", name, err)
	}
	// Rename over any existing object: same-name uploads overwrite.
	if err := p.fs.Rename(tmpName, name); err != nil {
		p.fs.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Put", name, err)
	}
	return p.url(name), nil
}

func (p *PathStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	info, err := p.fs.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, xerrors.Wrap(xerrors.KindNotFound, "PathStore.Open", name, err)
		}
		return nil, 0, xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Open", name, err)
	}
	f, err := p.fs.Open(name)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Open", name, err)
	}
	return f, info.Size(), nil
}

func (p *PathStore) Delete(ctx context.Context, name string) error {
	if err := p.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Delete", name, err)
	}
	return nil
}

func (p *PathStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := p.fs.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindUnavailable, "PathStore.Exists", name, err)
}

func (p *PathStore) List(ctx context.Context) ([]string, error) {
	var out []string
	if err := p.walk("", &out); err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "PathStore.List", "", err)
	}
	return out, nil
}

func (p *PathStore) walk(dir string, out *[]string) error {
	entries, err := p.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, info := range entries {
		name := path.Join(dir, info.Name())
		if info.IsDir() {
			if err := p.walk(name, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, name)
	}
	return nil
}

func (p *PathStore) url(name string) string {
	if p.baseURL == "" {
		return name
	}
	return p.baseURL + "/" + name
}
