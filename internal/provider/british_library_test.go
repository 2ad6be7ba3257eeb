package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blSRUFixture = `<?xml version="1.0" encoding="UTF-8"?>
<searchRetrieveResponse xmlns="http://www.loc.gov/zing/srw/">
  <records>
    <record>
      <recordData>
        <dc xmlns:dc="http://purl.org/dc/elements/1.1/">
          <dc:title>Dracula</dc:title>
          <dc:creator>Stoker, Bram</dc:creator>
          <dc:date>1897</dc:date>
          <dc:identifier>http://access.bl.uk/item/viewer/ark:/81055/vdc_100052148.0x000001</dc:identifier>
        </dc>
      </recordData>
    </record>
    <record>
      <recordData>
        <dc xmlns:dc="http://purl.org/dc/elements/1.1/">
          <dc:title>Print-only holding</dc:title>
          <dc:identifier>BLL01004866477</dc:identifier>
        </dc>
      </recordData>
    </record>
  </records>
</searchRetrieveResponse>`

func TestBritishLibrarySearch(t *testing.T) {
	var gotQuery url.Values
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, blSRUFixture)
	}))
	defer srv.Close()
	swapURL(t, &blSRUURL, srv.URL)

	p := newBritishLibrary(testClient(testConfig()))
	results, err := p.Search(context.Background(), Query{Title: "Dracula", Creator: "Bram Stoker"}, 3)
	require.NoError(t, err)

	assert.Equal(t, `title all "Dracula" and creator all "Bram Stoker"`, gotQuery.Get("query"))
	assert.Equal(t, "dc", gotQuery.Get("recordSchema"))
	assert.Equal(t, "application/xml,text/xml", gotAccept)

	// Unlike the ARK-addressed connectors, records without an ARK stay
	// listed; they simply cannot be downloaded later.
	require.Len(t, results, 2)
	assert.Equal(t, "Dracula", results[0].Title)
	assert.Equal(t, "vdc_100052148.0x000001", results[0].SourceID)
	assert.Equal(t, "Print-only holding", results[1].Title)
	assert.Equal(t, "", results[1].SourceID)
}

func TestBritishLibraryDownloadFallsBackToViewer(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var manifestDoc string
	// The direct manifest URL (derived by trimming the version suffix)
	// is not registered, so it 404s and forces the viewer fallback.
	mux.HandleFunc("/item/viewer/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><script>window.iiifManifest = "%s/alternate/manifest.json";</script></html>`, srv.URL)
	})
	mux.HandleFunc("/alternate/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, manifestDoc)
	})
	mux.HandleFunc("/images/p1/full/full/0/default.jpg", serveBytes("image/jpeg", jpegBytes))
	manifestDoc = fmt.Sprintf(`{"sequences": [{"canvases": [
	  {"images": [{"resource": {"service": {"@id": "%s/images/p1"}}}]}
	]}]}`, srv.URL)

	swapURL(t, &blManifestURL, srv.URL+"/metadata/iiif/ark:/81055/%s/manifest.json")
	swapURL(t, &blViewerURL, srv.URL+"/item/viewer/ark:/81055/%s")

	p := newBritishLibrary(testClient(testConfig()))
	res := FromRaw("British Library", "british_library", map[string]any{
		"title":      "Dracula",
		"identifier": "vdc_100052148.0x000001",
	})
	workDir := t.TempDir()
	require.NoError(t, p.Download(context.Background(), testWorkCtx("british_library"), res, workDir))

	assert.FileExists(t, filepath.Join(workDir, "metadata", "dracula_bl.json"))
	assert.FileExists(t, filepath.Join(workDir, "objects", "dracula_bl_image_001.jpg"))
}

func TestBritishLibraryDownloadManifestOnlyItem(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/metadata/iiif/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"label": "Dracula", "sequences": []}`)
	})
	swapURL(t, &blManifestURL, srv.URL+"/metadata/iiif/ark:/81055/%s/manifest.json")

	p := newBritishLibrary(testClient(testConfig()))
	res := FromRaw("British Library", "british_library", map[string]any{"title": "Dracula", "identifier": "vdc_42"})
	workDir := t.TempDir()

	// A manifest that lists no image services is still a success: the
	// saved manifest is the record.
	require.NoError(t, p.Download(context.Background(), testWorkCtx("british_library"), res, workDir))
	assert.FileExists(t, filepath.Join(workDir, "metadata", "dracula_bl.json"))
}

func TestBritishLibraryDownloadNothingFetchable(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var manifestDoc string
	mux.HandleFunc("/metadata/iiif/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, manifestDoc)
	})
	// Every image candidate 404s.
	manifestDoc = fmt.Sprintf(`{"sequences": [{"canvases": [
	  {"images": [{"resource": {"service": {"@id": "%s/images/gone"}}}]}
	]}]}`, srv.URL)

	swapURL(t, &blManifestURL, srv.URL+"/metadata/iiif/ark:/81055/%s/manifest.json")

	p := newBritishLibrary(testClient(testConfig()))
	res := FromRaw("British Library", "british_library", map[string]any{"title": "Dracula", "identifier": "vdc_42"})
	err := p.Download(context.Background(), testWorkCtx("british_library"), res, t.TempDir())
	assert.ErrorIs(t, err, ErrNoObjects)
}
