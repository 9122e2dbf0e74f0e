package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
)

// Azurite's published development account.
const (
	devAccount = "devstoreaccount1"
	devKey     = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
)

type uploaded struct {
	container, name, contentType string
	data                         []byte
}

type fakeBlobs struct {
	mu      sync.Mutex
	uploads []uploaded
	fail    error
}

func (f *fakeBlobs) Upload(_ context.Context, container, name string, data []byte, contentType string) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, uploaded{container, name, contentType, data})
	return nil
}

func (f *fakeBlobs) SignedURL(container, name string, expiry time.Time) (string, error) {
	return "https://blobs.example/" + container + "/" + name + "?se=" + expiry.UTC().Format(time.RFC3339), nil
}

func testConfig() config.ArtifactsConfig {
	return config.ArtifactsConfig{Container: "visualizations", ReportsContainer: "reports", SASExpiry: time.Hour}
}

func TestSaveFile(t *testing.T) {
	blobs := &fakeBlobs{}
	s := New(blobs, testConfig(), logger.Discard())
	s.now = func() time.Time { return time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC) }

	u, err := s.SaveFile(context.Background(), "../chart.png", "image/png", []byte("png"))
	require.NoError(t, err)

	require.Len(t, blobs.uploads, 1)
	up := blobs.uploads[0]
	assert.Equal(t, "visualizations", up.container)
	assert.True(t, strings.HasPrefix(up.name, "2025/03/04/"), up.name)
	assert.True(t, strings.HasSuffix(up.name, "-__chart.png"), up.name)
	assert.Equal(t, "image/png", up.contentType)
	assert.Contains(t, u, up.name)
	assert.Contains(t, u, "se=2025-03-04T11:00:00Z")
}

func TestSaveFileDefaultsContentType(t *testing.T) {
	blobs := &fakeBlobs{}
	_, err := New(blobs, testConfig(), logger.Discard()).SaveFile(context.Background(), "x", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", blobs.uploads[0].contentType)
}

func TestSaveFileError(t *testing.T) {
	s := New(&fakeBlobs{fail: errors.New("403")}, testConfig(), logger.Discard())
	_, err := s.SaveFile(context.Background(), "chart.png", "image/png", nil)
	assert.ErrorIs(t, err, domain.ErrArtifactStore)
}

func TestSaveReport(t *testing.T) {
	blobs := &fakeBlobs{}
	s := New(blobs, testConfig(), logger.Discard())

	id, err := s.SaveReport(context.Background(), domain.Report{
		SessionID:     "s1",
		UserID:        "u1",
		ResearchQuery: "EV market",
		ReportLevel:   "detailed",
		Persona:       "analyst",
		Content:       "body",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, blobs.uploads, 1)
	up := blobs.uploads[0]
	assert.Equal(t, "reports", up.container)
	assert.Equal(t, "u1/s1/"+id+".json", up.name)

	var got domain.Report
	require.NoError(t, json.Unmarshal(up.data, &got))
	assert.Equal(t, "EV market", got.ResearchQuery)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestNewFromConfig(t *testing.T) {
	s, err := NewFromConfig(config.ArtifactsConfig{}, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewFromConfig(config.ArtifactsConfig{Provider: "azblob"}, logger.Discard())
	assert.Error(t, err, "credentials are required")

	_, err = NewFromConfig(config.ArtifactsConfig{Provider: "s3"}, logger.Discard())
	assert.Error(t, err)
}

func TestAzureBlobsSignedURL(t *testing.T) {
	blobs, err := NewAzureBlobs(config.ArtifactsConfig{AccountName: devAccount, AccountKey: devKey}, nil)
	require.NoError(t, err)

	raw, err := blobs.SignedURL("visualizations", "2025/01/01/chart.png", time.Now().Add(time.Hour))
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, devAccount+".blob.core.windows.net", u.Host)
	assert.Equal(t, "/visualizations/2025/01/01/chart.png", u.Path)
	assert.Equal(t, "r", u.Query().Get("sp"))
	assert.NotEmpty(t, u.Query().Get("sig"))
	assert.NotEmpty(t, u.Query().Get("se"))
}

func TestAzureBlobsUpload(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []byte
		path string
		ct   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		ct = r.Header.Get("x-ms-blob-content-type")
		got, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"0x1"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	blobs, err := NewAzureBlobs(config.ArtifactsConfig{
		AccountName: devAccount,
		AccountKey:  devKey,
		ServiceURL:  server.URL + "/" + devAccount + "/",
	}, &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Retry: policy.RetryOptions{MaxRetries: -1}}})
	require.NoError(t, err)

	require.NoError(t, blobs.Upload(context.Background(), "visualizations", "chart.png", []byte("png-bytes"), "image/png"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/"+devAccount+"/visualizations/chart.png", path)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte("png-bytes"), got)
}
