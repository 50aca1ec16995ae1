package storage

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"videoflow/internal/adapters/storage/gdrive"
	"videoflow/internal/adapters/storage/localfs"
	"videoflow/internal/config"
	"videoflow/internal/pkg/errors"
)

// Provider names accepted by STORAGE_PROVIDER.
const (
	ProviderLocalFS = "localfs"
	ProviderGDrive  = "gdrive"
)

// NewProvider builds the storage provider selected by cfg.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	provider := cfg.StorageProvider
	if provider == "" {
		provider = ProviderLocalFS
	}

	switch provider {
	case ProviderLocalFS:
		if cfg.StorageLocalRoot == "" {
			return nil, errors.ValidationField("STORAGE_LOCAL_ROOT", "STORAGE_LOCAL_ROOT is required for localfs storage")
		}
		return localfs.New(cfg.StorageLocalRoot), nil

	case ProviderGDrive:
		return newGDriveProvider(ctx, cfg)

	default:
		return nil, errors.Validationf("unknown storage provider: %s", provider)
	}
}

// OAuthConfig returns the Drive OAuth client configuration. cmd/gdrive-auth
// uses it to obtain the refresh token.
func OAuthConfig(cfg *config.Config, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GDriveClientID,
		ClientSecret: cfg.GDriveClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{drive.DriveFileScope},
	}
}

func newGDriveProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	for key, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.GDriveClientID,
		"GDRIVE_CLIENT_SECRET": cfg.GDriveClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.GDriveRefreshToken,
	} {
		if v == "" {
			return nil, errors.ValidationField(key, "missing env: "+key)
		}
	}

	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := OAuthConfig(cfg, "").Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "storage.NewProvider", "create drive service")
	}

	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
