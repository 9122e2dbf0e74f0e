// Package artifact stores visualization files and saved reports in Azure Blob
// Storage and hands out time-limited signed URLs.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/oklog/ulid/v2"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
)

// blobAPI is the subset of blob storage the store needs.
type blobAPI interface {
	Upload(ctx context.Context, container, name string, data []byte, contentType string) error
	SignedURL(container, name string, expiry time.Time) (string, error)
}

// Store implements domain.ArtifactStore and domain.ReportStore.
type Store struct {
	blobs            blobAPI
	container        string
	reportsContainer string
	sasExpiry        time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// New wraps a blob backend.
func New(blobs blobAPI, cfg config.ArtifactsConfig, logger *slog.Logger) *Store {
	expiry := cfg.SASExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Store{
		blobs:            blobs,
		container:        cfg.Container,
		reportsContainer: cfg.ReportsContainer,
		sasExpiry:        expiry,
		logger:           logger,
		now:              time.Now,
	}
}

// NewFromConfig builds an Azure Blob backed store, or returns nil when no
// artifact provider is configured.
func NewFromConfig(cfg config.ArtifactsConfig, logger *slog.Logger) (*Store, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "azblob":
		blobs, err := NewAzureBlobs(cfg, nil)
		if err != nil {
			return nil, err
		}
		return New(blobs, cfg, logger), nil
	default:
		return nil, fmt.Errorf("artifact: unsupported provider %q", cfg.Provider)
	}
}

// SaveFile implements domain.ArtifactStore. The blob is named
// {date}/{ulid}-{name} so repeated names never collide.
func (s *Store) SaveFile(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	blobName := path.Join(s.now().UTC().Format("2006/01/02"), ulid.Make().String()+"-"+sanitize(name))

	if err := s.blobs.Upload(ctx, s.container, blobName, data, contentType); err != nil {
		return "", domain.NewSubSystemError("artifact", "Store.SaveFile", domain.ErrArtifactStore, err.Error())
	}
	u, err := s.blobs.SignedURL(s.container, blobName, s.now().Add(s.sasExpiry))
	if err != nil {
		return "", domain.NewSubSystemError("artifact", "Store.SaveFile", domain.ErrArtifactStore, err.Error())
	}
	s.logger.Debug("artifact saved", "container", s.container, "blob", blobName, "bytes", len(data))
	return u, nil
}

// SaveReport implements domain.ReportStore. Reports are stored as JSON under
// {user_id}/{session_id}/{id}.json.
func (s *Store) SaveReport(ctx context.Context, r domain.Report) (string, error) {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	user := r.UserID
	if user == "" {
		user = "anonymous"
	}
	blobName := path.Join(sanitize(user), sanitize(r.SessionID), r.ID+".json")
	if err := s.blobs.Upload(ctx, s.reportsContainer, blobName, data, "application/json"); err != nil {
		return "", domain.NewSubSystemError("artifact", "Store.SaveReport", domain.ErrArtifactStore, err.Error())
	}
	return r.ID, nil
}

// sanitize keeps a name usable as a single blob path segment.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_", "?", "_", "#", "_").Replace(name)
	if name == "" {
		return "unnamed"
	}
	return name
}

// AzureBlobs is the Azure Blob Storage backend. Signing requires shared key
// credentials (account key or a connection string that carries one).
type AzureBlobs struct {
	client *azblob.Client
}

// NewAzureBlobs creates a backend from configuration. opts may be nil.
func NewAzureBlobs(cfg config.ArtifactsConfig, opts *azblob.ClientOptions) (*AzureBlobs, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, opts)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			break
		}
		serviceURL := cfg.ServiceURL
		if serviceURL == "" {
			serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, opts)
	default:
		return nil, fmt.Errorf("artifact: connection_string or account_name+account_key required")
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: create blob client: %w", err)
	}
	return &AzureBlobs{client: client}, nil
}

// Upload writes data as a block blob.
func (a *AzureBlobs) Upload(ctx context.Context, container, name string, data []byte, contentType string) error {
	_, err := a.client.UploadBuffer(ctx, container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	return err
}

// SignedURL returns a read-only SAS URL valid until expiry.
func (a *AzureBlobs) SignedURL(container, name string, expiry time.Time) (string, error) {
	bc := a.client.ServiceClient().NewContainerClient(container).NewBlobClient(name)
	start := time.Now().Add(-10 * time.Minute)
	return bc.GetSASURL(sas.BlobPermissions{Read: true}, expiry, &blob.GetSASURLOptions{StartTime: &start})
}

var (
	_ domain.ArtifactStore = (*Store)(nil)
	_ domain.ReportStore   = (*Store)(nil)
)
