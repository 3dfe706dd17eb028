package artifact

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekho-app/ekho/errors"
)

// DownloadPrefix is the HTTP route under which LocalStore serves tokens
const DownloadPrefix = "/artifacts/"

// LocalStore keeps artifacts on the filesystem and hands out HMAC-signed
// download links served by the API. Meant for development and tests.
type LocalStore struct {
	root    string
	baseURL string
	signer  *Signer
	logger  *zap.SugaredLogger
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root, publicBaseURL, secret string, logger *zap.SugaredLogger) (*LocalStore, error) {
	if secret == "" {
		return nil, errors.New("local artifact store requires a signing secret")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", root)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, errors.Wrapf(err, "create artifact root %s", abs)
	}
	return &LocalStore{
		root:    abs,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		signer:  NewSigner(secret),
		logger:  logger,
	}, nil
}

// Store writes data under root/pathHint.
func (s *LocalStore) Store(ctx context.Context, data []byte, contentType, pathHint string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := cleanObjectPath(pathHint)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return "", errors.Wrapf(err, "create directory for %s", rel)
	}
	if err := os.WriteFile(full, data, 0640); err != nil {
		return "", errors.Wrapf(err, "write artifact %s", rel)
	}

	s.logger.Debugw("Stored artifact", "artifact", rel, "size", len(data), "content_type", contentType)
	return Ref(SchemeLocal + "://" + rel), nil
}

// RetrievalURL signs a download link for a local:// ref.
func (s *LocalStore) RetrievalURL(ctx context.Context, ref Ref, ttl time.Duration) (string, error) {
	if ref.Scheme() != SchemeLocal {
		return "", errors.NewInvalidRequestError("local store cannot sign %q", string(ref))
	}
	rel, err := cleanObjectPath(strings.TrimPrefix(string(ref), SchemeLocal+"://"))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(rel))); err != nil {
		return "", errors.Wrap(errors.NewNotFoundError("artifact %s", rel), err.Error())
	}
	token := s.signer.Sign(rel, time.Now().Add(ttl))
	return s.baseURL + DownloadPrefix + token, nil
}

// Open resolves a download token to a file path and content type.
func (s *LocalStore) Open(token string) (string, string, error) {
	rel, err := s.signer.Verify(token)
	if err != nil {
		return "", "", err
	}
	rel, err = cleanObjectPath(rel)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if _, err := os.Stat(full); err != nil {
		return "", "", errors.NewNotFoundError("artifact %s", rel)
	}
	return full, ContentTypeForExtension(path.Ext(rel)), nil
}

// Check verifies the root directory is still writable.
func (s *LocalStore) Check(ctx context.Context) error {
	f, err := os.CreateTemp(s.root, ".check-*")
	if err != nil {
		return errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// cleanObjectPath normalises a relative object path and rejects escapes.
func cleanObjectPath(p string) (string, error) {
	p = strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
	clean := path.Clean(p)
	if clean == "." || clean == "" || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", errors.NewInvalidRequestError("invalid artifact path %q", p)
	}
	return clean, nil
}
