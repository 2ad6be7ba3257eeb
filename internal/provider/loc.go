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

const locBaseURL = "https://www.loc.gov/"

// loc searches the Library of Congress JSON API, trying the Books
// collection first and the generic search endpoint second, and downloads
// through the per-item JSON plus its IIIF manifest.
type loc struct {
	c *request.Client
}

func newLOC(c *request.Client) *loc { return &loc{c: c} }

func (p *loc) Key() string { return "loc" }

var locAcceptJSON = map[string]string{"Accept": "application/json"}

func (p *loc) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := q.Title
	if q.Creator != "" {
		query += " " + q.Creator
	}
	params := url.Values{
		"q":  {query},
		"fo": {"json"},
		"c":  {fmt.Sprint(limit)},
	}
	logx.Infof("loc: searching for %q", q.Title)
	data := p.search(ctx, locBaseURL+"books/", params)
	if locResults(data) == nil {
		data = p.search(ctx, locBaseURL+"search/", params)
	}
	items := locResults(data)
	var results []SearchResult
	for _, it := range items {
		item := asMap(it)
		if item == nil {
			continue
		}
		id := strings.Trim(asString(item["id"]), "/")
		if i := strings.LastIndex(id, "/"); i >= 0 {
			id = id[i+1:]
		}
		creator := "N/A"
		if names := asSlice(item["contributor_names"]); len(names) > 0 {
			creator = asString(names[0])
		}
		raw := map[string]any{
			"title":         firstOfList(item["title"]),
			"creator":       creator,
			"id":            id,
			"item_url":      asString(item["url"]),
			"iiif_manifest": locManifestOf(item),
		}
		results = append(results, FromRaw("Library of Congress", p.Key(), raw))
	}
	return results, nil
}

func (p *loc) search(ctx context.Context, endpoint string, params url.Values) map[string]any {
	body, err := p.c.Get(ctx, endpoint, params, locAcceptJSON)
	if err != nil || body == nil {
		return nil
	}
	data, err := body.Map()
	if err != nil {
		return nil
	}
	return data
}

// locResults digs the result list out of either response shape: a top
// level "results" array or one nested under "content".
func locResults(data map[string]any) []any {
	if data == nil {
		return nil
	}
	if items := asSlice(data["results"]); len(items) > 0 {
		return items
	}
	return asSlice(asMap(data["content"])["results"])
}

// locManifestOf finds a manifest URL on a search hit: the explicit
// iiif_manifest_url field, or any resources[] entry carrying one.
func locManifestOf(item map[string]any) string {
	if u := asString(item["iiif_manifest_url"]); u != "" {
		return u
	}
	for _, r := range asSlice(item["resources"]) {
		if u := asString(asMap(r)["iiif_manifest"]); u != "" {
			return u
		}
	}
	if u := asString(asMap(item["resources"])["iiif_manifest"]); u != "" {
		return u
	}
	return ""
}

func (p *loc) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	itemURL := res.ItemURL
	if itemURL == "" {
		itemURL = asString(res.Raw["url"])
	}
	if itemURL == "" {
		logx.Warnf("loc: result carries no item URL")
		return ErrNoObjects
	}
	jsonURL := itemURL
	if !strings.HasSuffix(jsonURL, "?fo=json") {
		jsonURL += "?fo=json"
	}
	body, err := p.c.Get(ctx, jsonURL, nil, locAcceptJSON)
	if err != nil {
		return err
	}
	details, err := body.Map()
	if body == nil || err != nil {
		logx.Errorf("loc: failed to fetch item JSON from %s", jsonURL)
		return ErrNoObjects
	}
	if _, err := p.c.SaveJSON(wc, details, workDir, "item_details"); err != nil {
		return err
	}

	manifestURL := res.ManifestURL
	if manifestURL == "" {
		manifestURL = locDetailManifest(details)
	}
	if manifestURL != "" {
		got, err := iiif.DownloadManifestAndImages(ctx, p.c, wc, manifestURL, workDir, p.c.Config().MaxPages(p.Key()), true)
		if err != nil {
			return err
		}
		if got {
			return nil
		}
	} else {
		logx.Infof("loc: no IIIF manifest URL for item %s", res.SourceID)
	}

	// Fall back to the representative image from the item record.
	imageURL := locSampleImage(details)
	if imageURL == "" {
		return ErrNoObjects
	}
	path, err := p.c.DownloadFile(ctx, wc, imageURL, workDir, "sample_image.jpg")
	if err != nil {
		return err
	}
	if path == "" {
		return ErrNoObjects
	}
	return nil
}

// locDetailManifest scans the item document for a manifest URL, under
// item.resources first and the top-level resources second.
func locDetailManifest(details map[string]any) string {
	for _, r := range asSlice(asMap(details["item"])["resources"]) {
		if u := asString(asMap(r)["iiif_manifest"]); u != "" {
			return u
		}
	}
	for _, r := range asSlice(details["resources"]) {
		if u := asString(asMap(r)["iiif_manifest"]); u != "" {
			return u
		}
	}
	return ""
}

func locSampleImage(details map[string]any) string {
	item := asMap(details["item"])
	var u string
	switch v := item["image_url"].(type) {
	case map[string]any:
		u = firstString(v, "medium", "full")
	case string:
		u = v
	}
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	if !strings.HasPrefix(u, "http") {
		return "https://www.loc.gov" + u
	}
	return u
}
