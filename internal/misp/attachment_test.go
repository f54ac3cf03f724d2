package misp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeka/zip"

	"mispbridge/internal/config"
	"mispbridge/internal/domain/models"
	"mispbridge/internal/infrastructure/tempfile"
	"mispbridge/pkg/logger"
)

func newTestHandler(t *testing.T) *AttachmentHandler {
	t.Helper()
	temp, err := tempfile.NewStore(t.TempDir(), logger.NewDefault())
	require.NoError(t, err)
	return NewAttachmentHandler(temp, logger.NewDefault())
}

// writeSampleArchive builds the archive shape MISP serves for malware
// samples: payload plus <name>.filename.txt, both protected with the
// "infected" password.
func writeSampleArchive(t *testing.T, path, realName string, content []byte) {
	t.Helper()

	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	zw := zip.NewWriter(out)

	meta, err := zw.Encrypt("sample.filename.txt", samplePassword, zip.StandardEncryption)
	require.NoError(t, err)
	_, err = meta.Write([]byte(realName))
	require.NoError(t, err)

	payload, err := zw.Encrypt("sample", samplePassword, zip.StandardEncryption)
	require.NoError(t, err)
	_, err = payload.Write(content)
	require.NoError(t, err)

	require.NoError(t, zw.Close())
}

func TestExtractMalwareSample(t *testing.T) {
	h := newTestHandler(t)

	archive := t.TempDir() + "/sample.zip"
	writeSampleArchive(t, archive, "evil.exe", []byte("MZ payload bytes"))

	file := h.ExtractMalwareSample(models.LocalAttachment{Name: "orig.zip", Path: archive, ContentType: "application/zip"})

	assert.Equal(t, "evil.exe", file.Name)
	assert.Equal(t, "application/octet-stream", file.ContentType)

	content, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("MZ payload bytes"), content)
}

func TestExtractMalwareSampleDegradesOnBadArchive(t *testing.T) {
	h := newTestHandler(t)

	path := t.TempDir() + "/notazip"
	require.NoError(t, os.WriteFile(path, []byte("plain bytes"), 0o600))

	original := models.LocalAttachment{Name: "orig.bin", Path: path, ContentType: "application/octet-stream"}
	file := h.ExtractMalwareSample(original)

	// best-effort degradation: the original handle comes back unchanged
	assert.Equal(t, original, file)
}

func TestDownloadCapturesFilenameAndMime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attributes/download/9", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Disposition", `attachment; filename="orig.exe"`)
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("zip bytes"))
	}))
	defer server.Close()

	h := newTestHandler(t)
	client, err := NewClient("demo", config.MISPInstanceConfig{URL: server.URL, Key: "secret"}, logger.NewDefault())
	require.NoError(t, err)

	file, err := h.Download(context.Background(), client, "9")
	require.NoError(t, err)

	assert.Equal(t, "orig.exe", file.Name)
	assert.Equal(t, "application/zip", file.ContentType)
	content, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("zip bytes"), content)
}

func TestDownloadDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer server.Close()

	h := newTestHandler(t)
	client, err := NewClient("demo", config.MISPInstanceConfig{URL: server.URL, Key: "secret"}, logger.NewDefault())
	require.NoError(t, err)

	file, err := h.Download(context.Background(), client, "1")
	require.NoError(t, err)
	assert.Equal(t, "noname", file.Name)
}

func TestDownloadFailsOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	h := newTestHandler(t)
	client, err := NewClient("demo", config.MISPInstanceConfig{URL: server.URL, Key: "secret"}, logger.NewDefault())
	require.NoError(t, err)

	_, err = h.Download(context.Background(), client, "1")
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.Status)
}
