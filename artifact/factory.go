package artifact

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/errors"
)

// NewFromConfig builds the store selected by storage.backend.
func NewFromConfig(ctx context.Context, cfg am.StorageConfig, publicBaseURL string, logger *zap.SugaredLogger) (Store, error) {
	switch cfg.Backend {
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile, logger)
	case "local":
		return NewLocalStore(cfg.LocalPath, publicBaseURL, cfg.SigningSecret, logger)
	default:
		return nil, errors.Newf("unknown storage backend %q", cfg.Backend)
	}
}
