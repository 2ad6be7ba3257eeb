package provider

import (
	"bytes"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/netguard"
	"github.com/chrono-downloader/chrono/internal/quota"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/state"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00},
		bytes.Repeat([]byte{0x33}, 48)...)
	pdfBytes = append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0x44}, 48)...)
)

func serveBytes(contentType string, payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(payload)
	}
}

// testConfig keeps retry backoffs tiny and the circuit breaker off:
// connector flows probe candidate URLs and absorb strings of 404s that
// would otherwise trip it mid-test. httptest servers live on 127.0.0.1,
// which the host map does not know, so every request lands on the
// "default" settings block.
func testConfig() *config.Config {
	breaker := false
	return &config.Config{
		ProviderSettings: map[string]config.ProviderSettings{
			"default": {Network: config.NetworkSettings{
				MaxAttempts:           2,
				BaseBackoffS:          0.01,
				BackoffMultiplier:     1.0,
				MaxBackoffS:           0.02,
				CircuitBreakerEnabled: &breaker,
			}},
		},
	}
}

func testClient(cfg *config.Config) *request.Client {
	return request.New(cfg, netguard.NewManager(cfg), budget.New(cfg.Limits))
}

func testQuotas(t *testing.T, cfg *config.Config) *quota.Manager {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return quota.NewManager(cfg, store)
}

func testWorkCtx(key string) *workctx.Context {
	return workctx.New("work-1", "entry-1", "dracula").WithProvider(key)
}

// swapURL points a package endpoint variable at a test server for the
// duration of one test.
func swapURL(t *testing.T, endpoint *string, url string) {
	t.Helper()
	old := *endpoint
	*endpoint = url
	t.Cleanup(func() { *endpoint = old })
}

func TestFromRawTitleFallbacks(t *testing.T) {
	assert.Equal(t, "Dracula", FromRaw("Polona", "polona", map[string]any{"title": "Dracula"}).Title)
	assert.Equal(t, "Via Name", FromRaw("Polona", "polona", map[string]any{"name": "Via Name"}).Title)
	assert.Equal(t, "Via Label", FromRaw("Polona", "polona", map[string]any{"label": "Via Label"}).Title)
	assert.Equal(t, "N/A", FromRaw("Polona", "polona", map[string]any{}).Title)
}

func TestFromRawCreators(t *testing.T) {
	r := FromRaw("DPLA", "dpla", map[string]any{"creators": []any{"Stoker, Bram", "Wilde, Oscar"}})
	assert.Equal(t, []string{"Stoker, Bram", "Wilde, Oscar"}, r.Creators, "list elements stay whole")

	r = FromRaw("DPLA", "dpla", map[string]any{"creator": "Stoker, Bram"})
	assert.Equal(t, []string{"Stoker", "Bram"}, r.Creators, "comma strings split")

	r = FromRaw("DPLA", "dpla", map[string]any{"creator": "Bram Stoker"})
	assert.Equal(t, []string{"Bram Stoker"}, r.Creators)

	// Key presence stops the chain even when the value is an empty list.
	r = FromRaw("DPLA", "dpla", map[string]any{"creators": []any{}, "creator": "Bram Stoker"})
	assert.Empty(t, r.Creators)

	r = FromRaw("DPLA", "dpla", map[string]any{"contributor_names": []any{"Bram Stoker"}})
	assert.Equal(t, []string{"Bram Stoker"}, r.Creators)
}

func TestFromRawDateIDAndURLs(t *testing.T) {
	r := FromRaw("Library of Congress", "loc", map[string]any{
		"date":     "",
		"year":     1897,
		"id":       0,
		"uid":      "u-77",
		"item_url": "https://www.loc.gov/item/u-77/",
		"manifest": "https://www.loc.gov/manifest/u-77.json",
	})
	assert.Equal(t, "1897", r.Date, "empty date falls through to year")
	assert.Equal(t, "u-77", r.SourceID, "zero id falls through to uid")
	assert.Equal(t, "https://www.loc.gov/item/u-77/", r.ItemURL)
	assert.Equal(t, "https://www.loc.gov/manifest/u-77.json", r.ManifestURL)
	assert.Equal(t, "Library of Congress", r.Provider)
	assert.Equal(t, "loc", r.ProviderKey)
}

func TestResolveID(t *testing.T) {
	res := SearchResult{SourceID: "primary", Raw: map[string]any{"md5": "raw-md5"}}
	assert.Equal(t, "primary", ResolveID(res, "md5"), "SourceID wins over raw keys")

	res = SearchResult{Raw: map[string]any{"md5": "raw-md5", "id": "raw-id"}}
	assert.Equal(t, "raw-md5", ResolveID(res, "md5", "id"))
	assert.Equal(t, "raw-id", ResolveID(res), "default key is id")

	assert.Equal(t, "", ResolveID(SearchResult{Raw: map[string]any{"id": ""}}))
}

func TestQuotaDeferredErrorMessage(t *testing.T) {
	err := &QuotaDeferredError{Provider: "Anna's Archive"}
	assert.Equal(t, "Anna's Archive: quota exhausted, download deferred", err.Error())

	err.Msg = "Anna's Archive: Daily quota exhausted. Resets in 3.0 hours."
	assert.Equal(t, err.Msg, err.Error())
}

func TestQueryEscaping(t *testing.T) {
	assert.Equal(t, `he said \"no\"`, escapeSRULiteral(`he said "no"`))
	assert.Equal(t, "line one line two", escapeSRULiteral("line one\nline two"))
	assert.Equal(t, `l\'affaire \\ dossier`, escapeSPARQLString(`l'affaire \ dossier`))
}
