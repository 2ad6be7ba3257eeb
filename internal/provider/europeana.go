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

const europeanaSearchURL = "https://api.europeana.eu/record/v2/search.json"

// europeana queries the Europeana search API (key required) and follows
// IIIF manifests advertised by the aggregated records.
type europeana struct {
	c      *request.Client
	apiKey string
}

func newEuropeana(c *request.Client, apiKey string) *europeana {
	return &europeana{c: c, apiKey: apiKey}
}

func (p *europeana) Key() string { return "europeana" }

func (p *europeana) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	parts := []string{fmt.Sprintf("title:%q", q.Title)}
	if q.Creator != "" {
		parts = append(parts, fmt.Sprintf("AND who:%q", q.Creator))
	}
	parts = append(parts, `AND proxy_dc_type:"TEXT"`)
	params := url.Values{
		"wskey": {p.apiKey},
		"query": {strings.Join(parts, " ")},
		"rows":  {fmt.Sprint(limit)},
	}
	logx.Infof("europeana: searching for %q", q.Title)
	body, err := p.c.Get(ctx, europeanaSearchURL, params, nil)
	if err != nil {
		return nil, err
	}
	data, err := body.Map()
	if body == nil || err != nil {
		return nil, nil
	}
	if ok, _ := data["success"].(bool); !ok {
		logx.Errorf("europeana: API error: %v", data["error"])
		return nil, nil
	}
	var results []SearchResult
	for _, it := range asSlice(data["items"]) {
		item := asMap(it)
		if item == nil {
			continue
		}
		creator := "N/A"
		if dc := asSlice(item["dcCreator"]); len(dc) > 0 {
			creator = asString(dc[0])
		}
		dataProvider := "N/A"
		if dp := asSlice(item["dataProvider"]); len(dp) > 0 {
			dataProvider = asString(dp[0])
		}
		raw := map[string]any{
			"title":         firstOfList(item["title"]),
			"creator":       creator,
			"id":            asString(item["id"]),
			"europeana_url": asString(item["guid"]),
			"provider":      dataProvider,
			"iiif_manifest": europeanaManifestOf(item),
		}
		results = append(results, FromRaw("Europeana", p.Key(), raw))
	}
	return results, nil
}

// europeanaManifestOf looks for a IIIF manifest among the aggregated
// object's hasView entries (strings or @id objects), then falls back to
// the record's object link when that is itself a manifest URL.
func europeanaManifestOf(item map[string]any) string {
	views := item["edmAggregatedCHO"]
	hasView := asMap(views)["hasView"]
	candidates := asSlice(hasView)
	if candidates == nil && hasView != nil {
		candidates = []any{hasView}
	}
	for _, v := range candidates {
		u := asString(v)
		if u == "" {
			u = asString(asMap(v)["@id"])
		}
		if strings.Contains(u, "iiif") && strings.Contains(u, "manifest") {
			return u
		}
	}
	if obj := asString(item["object"]); strings.Contains(obj, "iiif") && strings.Contains(obj, "manifest") {
		return obj
	}
	return ""
}

func (p *europeana) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	metaPath, err := p.c.SaveJSON(wc, res.Raw, workDir, "search_meta")
	if err != nil {
		return err
	}
	got := metaPath != ""

	if res.ManifestURL != "" {
		ok, err := iiif.DownloadManifestAndImages(ctx, p.c, wc, res.ManifestURL, workDir, p.c.Config().MaxPages(p.Key()), true)
		if err != nil {
			return err
		}
		got = got || ok
	} else {
		logx.Infof("europeana: no IIIF manifest URL in record %s", res.SourceID)
	}

	if !got {
		return ErrNoObjects
	}
	return nil
}
