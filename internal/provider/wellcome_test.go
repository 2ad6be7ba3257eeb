package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWellcomeDownloadFromImageServices(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/img/a/full/full/0/default.jpg", serveBytes("image/jpeg", jpegBytes))
	mux.HandleFunc("/img/b/full/full/0/default.jpg", serveBytes("image/jpeg", jpegBytes))
	mux.HandleFunc("/thumb.jpg", serveBytes("image/jpeg", jpegBytes))

	p := newWellcome(testClient(testConfig()))
	res := FromRaw("Wellcome Collection", "wellcome", map[string]any{
		"id":             "hz43r2m4",
		"title":          "Dracula",
		"image_services": []any{srv.URL + "/img/a", srv.URL + "/img/b"},
		"thumbnail":      srv.URL + "/thumb.jpg",
	})
	workDir := t.TempDir()
	require.NoError(t, p.Download(context.Background(), testWorkCtx("wellcome"), res, workDir))

	// Two page images plus the thumbnail share the image sequence.
	assert.FileExists(t, filepath.Join(workDir, "objects", "dracula_wellcome_image_001.jpg"))
	assert.FileExists(t, filepath.Join(workDir, "objects", "dracula_wellcome_image_002.jpg"))
	assert.FileExists(t, filepath.Join(workDir, "objects", "dracula_wellcome_image_003.jpg"))
}

func TestWellcomeDownloadWithoutServices(t *testing.T) {
	p := newWellcome(testClient(testConfig()))
	res := SearchResult{Provider: "Wellcome Collection", ProviderKey: "wellcome", Raw: map[string]any{}}
	err := p.Download(context.Background(), testWorkCtx("wellcome"), res, t.TempDir())
	assert.ErrorIs(t, err, ErrNoObjects)
}
