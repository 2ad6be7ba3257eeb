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

const eRaraSRUFixture = `<?xml version="1.0" encoding="UTF-8"?>
<srw:searchRetrieveResponse xmlns:srw="http://www.loc.gov/zing/srw/">
  <srw:records>
    <srw:record>
      <srw:recordData>
        <mods:mods xmlns:mods="http://www.loc.gov/mods/v3">
          <mods:titleInfo><mods:title>Dracula</mods:title></mods:titleInfo>
          <mods:name><mods:displayForm>Stoker, Bram</mods:displayForm></mods:name>
        </mods:mods>
      </srw:recordData>
      <srw:extraRecordData>
        <vl:id xmlns:vl="http://visuallibrary.net/vl">1234567</vl:id>
        <vl:prefix xmlns:vl="http://visuallibrary.net/vl">oai</vl:prefix>
      </srw:extraRecordData>
    </srw:record>
    <srw:record>
      <srw:recordData>
        <mods:mods xmlns:mods="http://www.loc.gov/mods/v3">
          <mods:titleInfo><mods:title>Catalogue entry without a Visual Library id</mods:title></mods:titleInfo>
          <mods:name><mods:namePart>Anonymous</mods:namePart></mods:name>
        </mods:mods>
      </srw:recordData>
    </srw:record>
  </srw:records>
</srw:searchRetrieveResponse>`

func TestERaraSearch(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, eRaraSRUFixture)
	}))
	defer srv.Close()
	swapURL(t, &eRaraSRUURL, srv.URL)

	p := newERara(testClient(testConfig()))
	results, err := p.Search(context.Background(), Query{Title: "Dracula", Creator: "Bram Stoker"}, 3)
	require.NoError(t, err)

	assert.Equal(t, `"Dracula" "Bram Stoker"`, gotQuery.Get("query"))
	assert.Equal(t, "searchRetrieve", gotQuery.Get("operation"))
	assert.Equal(t, "mods", gotQuery.Get("recordSchema"))
	assert.Equal(t, "3", gotQuery.Get("maximumRecords"))

	// The second record has no Visual Library id and cannot be
	// downloaded, so it is dropped.
	require.Len(t, results, 1)
	assert.Equal(t, "e-rara", results[0].Provider)
	assert.Equal(t, "Dracula", results[0].Title)
	assert.Equal(t, "1234567", results[0].SourceID)
	assert.Equal(t, []string{"Stoker", "Bram"}, results[0].Creators)
	assert.Equal(t, "https://www.e-rara.ch/i3f/v20/1234567/manifest", results[0].ManifestURL)
	assert.Equal(t, "https://www.e-rara.ch/oai/1234567", results[0].ItemURL)
}

func TestERaraDownloadDerivesManifestFromID(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var manifestDoc string
	mux.HandleFunc("/i3f/v20/1234567/manifest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, manifestDoc)
	})
	mux.HandleFunc("/img/p1/full/full/0/default.jpg", serveBytes("image/jpeg", jpegBytes))
	manifestDoc = fmt.Sprintf(`{"sequences": [{"canvases": [
	  {"images": [{"resource": {"service": {"@id": "%s/img/p1"}}}]}
	]}]}`, srv.URL)

	swapURL(t, &eRaraManifestURL, srv.URL+"/i3f/v20/%s/manifest")

	p := newERara(testClient(testConfig()))
	// A deferred-queue revival carries the id but no manifest URL.
	res := FromRaw("e-rara", "e_rara", map[string]any{"title": "Dracula", "id": "1234567"})
	workDir := t.TempDir()
	require.NoError(t, p.Download(context.Background(), testWorkCtx("e_rara"), res, workDir))

	assert.FileExists(t, filepath.Join(workDir, "metadata", "dracula_e_rara.json"))
	assert.FileExists(t, filepath.Join(workDir, "objects", "dracula_e_rara_image_001.jpg"))
}

func TestERaraDownloadWithoutID(t *testing.T) {
	p := newERara(testClient(testConfig()))
	res := FromRaw("e-rara", "e_rara", map[string]any{"title": "Dracula"})
	err := p.Download(context.Background(), testWorkCtx("e_rara"), res, t.TempDir())
	assert.ErrorIs(t, err, ErrNoObjects)
}
