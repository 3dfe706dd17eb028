package artifact

import (
	"context"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ekho-app/ekho/errors"
)

// GCSStore keeps artifacts in a Cloud Storage bucket and signs V4 URLs.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *zap.SugaredLogger
}

// NewGCSStore creates a client using credentialsFile, or application default
// credentials when it is empty.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string, logger *zap.SugaredLogger) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.WithHint(errors.New("gcs artifact store requires a bucket"), "set storage.bucket or STORAGE_BUCKET")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage client")
	}
	return &GCSStore{client: client, bucket: bucket, logger: logger}, nil
}

// Store uploads data to gs://bucket/pathHint.
func (s *GCSStore) Store(ctx context.Context, data []byte, contentType, pathHint string) (Ref, error) {
	object, err := cleanObjectPath(pathHint)
	if err != nil {
		return "", err
	}

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", errors.Wrapf(err, "upload gs://%s/%s", s.bucket, object)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "finalize gs://%s/%s", s.bucket, object)
	}

	s.logger.Debugw("Uploaded artifact", "artifact", object, "bucket", s.bucket, "size", len(data))
	return Ref("gs://" + s.bucket + "/" + object), nil
}

// RetrievalURL signs a GET URL for a gs:// ref in any bucket the credentials can reach.
func (s *GCSStore) RetrievalURL(ctx context.Context, ref Ref, ttl time.Duration) (string, error) {
	if ref.Scheme() != SchemeGCS {
		return "", errors.NewInvalidRequestError("gcs store cannot sign %q", string(ref))
	}
	bucket, object, err := ref.Split()
	if err != nil {
		return "", err
	}
	url, err := s.client.Bucket(bucket).SignedURL(object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", errors.Wrapf(err, "sign %s", string(ref))
	}
	return url, nil
}

// Check reads the bucket attributes to confirm access.
func (s *GCSStore) Check(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}
	return nil
}

// Close releases the storage client
func (s *GCSStore) Close() error {
	return s.client.Close()
}
