package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

const (
	bneSPARQLURL   = "https://datos.bne.es/sparql"
	bneManifestURL = "https://iiif.bne.es/%s/manifest"
)

// bne searches the Biblioteca Nacional de España's linked-data SPARQL
// endpoint and downloads through the BNE IIIF service.
type bne struct {
	c *request.Client
}

func newBNE(c *request.Client) *bne { return &bne{c: c} }

func (p *bne) Key() string { return "bne" }

func (p *bne) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := fmt.Sprintf(`
        SELECT ?id ?title ?creator WHERE {
            ?id <http://www.w3.org/2000/01/rdf-schema#label> ?title .
            FILTER(CONTAINS(LCASE(?title), LCASE('%s')))
            OPTIONAL { ?id <http://dbpedia.org/ontology/author> ?creator . }
        } LIMIT %d
    `, escapeSPARQLString(q.Title), limit)
	params := url.Values{
		"query":  {query},
		"format": {"json"},
	}
	logx.Infof("bne: searching for %q", q.Title)
	body, err := p.c.Get(ctx, bneSPARQLURL, params, nil)
	if err != nil {
		return nil, err
	}
	data, err := body.Map()
	if body == nil || err != nil {
		return nil, nil
	}
	var results []SearchResult
	for _, b := range asSlice(asMap(data["results"])["bindings"]) {
		binding := asMap(b)
		id := asString(asMap(binding["id"])["value"])
		if id == "" {
			continue
		}
		title := asString(asMap(binding["title"])["value"])
		if title == "" {
			title = "N/A"
		}
		creator := asString(asMap(binding["creator"])["value"])
		if creator == "" {
			creator = "N/A"
		}
		raw := map[string]any{
			"title":   title,
			"creator": creator,
			"id":      id,
		}
		results = append(results, FromRaw("BNE", p.Key(), raw))
	}
	return results, nil
}

func (p *bne) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	id := ResolveID(res)
	if id == "" {
		logx.Warnf("bne: result carries no item id")
		return ErrNoObjects
	}
	// SPARQL ids are resource URIs; the manifest path wants the last
	// segment only.
	if strings.HasPrefix(id, "http") {
		id = strings.TrimRight(id, "/")
		if i := strings.LastIndex(id, "/"); i >= 0 {
			id = id[i+1:]
		}
	}
	got, err := iiif.DownloadManifestAndImages(ctx, p.c, wc,
		fmt.Sprintf(bneManifestURL, id), workDir, p.c.Config().MaxPages(p.Key()), true)
	if err != nil {
		return err
	}
	if !got {
		return ErrNoObjects
	}
	return nil
}
