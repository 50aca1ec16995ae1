package localfs

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"videoflow/internal/pkg/errors"
	"videoflow/internal/ports"
)

// LocalFS implements ports.StorageProvider using the local filesystem.
// It stores objects under a configured root directory.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

// Root returns the directory objects are stored under.
func (l *LocalFS) Root() string { return l.root }

// path maps an object key below root, refusing keys that escape it.
func (l *LocalFS) path(objectKey string) (string, error) {
	if objectKey == "" {
		return "", errors.ValidationField("object_key", "object_key is required")
	}
	clean := filepath.Clean("/" + filepath.FromSlash(objectKey))
	p := filepath.Join(l.root, clean)
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", errors.ValidationField("object_key", "object_key escapes the storage root")
	}
	return p, nil
}

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.PutObject", "create directory")
	}

	// Write to a temp file first so readers never observe a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.PutObject", "create temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.PutObject", "write object")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.PutObject", "commit object")
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	p, err := l.path(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, "", 0, ports.ObjectNotFound(objectKey)
	}
	if err != nil {
		return nil, "", 0, errors.Wrap(err, "localfs.GetObject", "open object")
	}

	st, statErr := f.Stat()
	if statErr == nil {
		size = st.Size()
	}

	// Prefer extension-based type. If empty, sniff first bytes.
	contentType = mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		_, _ = f.Seek(0, 0)
		contentType = http.DetectContentType(buf[:n])
	}

	return f, contentType, size, nil
}

func (l *LocalFS) DeleteObject(ctx context.Context, objectKey string) error {
	p, err := l.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ports.ObjectNotFound(objectKey)
		}
		return errors.Wrap(err, "localfs.DeleteObject", "remove object")
	}
	return nil
}

func (l *LocalFS) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	// Local objects have no temporary links.
	return ports.SignedURLOutput{URL: "", ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

// Check creates the root if needed and verifies it accepts writes.
func (l *LocalFS) Check(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "localfs.Check", "create root")
	}
	f, err := os.CreateTemp(l.root, ".health-*")
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "localfs.Check", "root not writable")
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
