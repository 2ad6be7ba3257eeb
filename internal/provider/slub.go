package provider

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	slubSearchURL   = "https://data.slub-dresden.de/search"
	slubSourceURL   = "https://data.slub-dresden.de/source/kxp-de14/%s"
	slubManifestURL = "https://iiif.slub-dresden.de/iiif/2/%s/manifest.json"
)

var slubPPNRe = regexp.MustCompile(`(?i)(?:ppn|id)(\d+)`)

// slub searches the SLUB Dresden linked-open-data API and downloads
// through SLUB's IIIF service. The manifest URL is not part of the
// search payload; it is derived from the MARC source record's 856
// links at download time.
type slub struct {
	c *request.Client
}

func newSLUB(c *request.Client) *slub { return &slub{c: c} }

func (p *slub) Key() string { return "slub" }

func (p *slub) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := q.Title
	if q.Creator != "" {
		query += " " + q.Creator
	}
	params := url.Values{
		"q":      {escapeSRULiteral(query)},
		"size":   {fmt.Sprint(limit)},
		"format": {"json"},
		"filter": {"@type:http://schema.org/CreativeWork"},
	}
	logx.Infof("slub: searching for %q", q.Title)
	body, err := p.c.Get(ctx, slubSearchURL, params, nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	// The LOD search endpoint answers with a bare JSON array.
	var items []any
	if err := body.JSON(&items); err != nil {
		logx.Errorf("slub: cannot parse search response: %v", err)
		return nil, nil
	}
	var results []SearchResult
	for _, it := range items {
		item := asMap(it)
		if item == nil {
			continue
		}
		if !slubOnlineAccess(item) {
			continue
		}
		recordID := slubRecordID(item)
		if recordID == "" {
			continue
		}
		raw := map[string]any{
			"title":   slubTitle(item),
			"creator": slubCreator(item),
			"id":      recordID,
		}
		results = append(results, FromRaw("SLUB Dresden", p.Key(), raw))
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// slubOnlineAccess keeps only digitized resources: accessMode online,
// or a reproduction type that mentions online.
func slubOnlineAccess(item map[string]any) bool {
	access := strings.ToLower(asString(item["accessMode"]))
	repro := strings.ToLower(fmt.Sprint(item["reproductionType"]))
	if item["reproductionType"] == nil {
		repro = ""
	}
	return access == "" || access == "online" || strings.Contains(repro, "online")
}

func slubTitle(item map[string]any) string {
	title := asString(item["preferredName"])
	switch t := item["title"].(type) {
	case map[string]any:
		if s := stringAt(t, "mainTitle", "preferredName"); s != "" {
			title = s
		}
	case string:
		if t != "" {
			title = t
		}
	}
	if title == "" {
		return "N/A"
	}
	return title
}

func slubCreator(item map[string]any) string {
	for _, c := range asSlice(item["contributor"]) {
		if name := asString(asMap(c)["name"]); name != "" {
			return name
		}
	}
	return "N/A"
}

// slubRecordID extracts the record id as the tail segment of the item's
// @id (or id) URI.
func slubRecordID(item map[string]any) string {
	id := stringAt(item, "@id", "id")
	if id == "" {
		return ""
	}
	id = strings.TrimRight(id, "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}

// resolvePPN fetches the MARC source record, archives it, and pulls the
// PPN out of the first 856 link that carries one.
func (p *slub) resolvePPN(ctx context.Context, wc *workctx.Context, recordID, workDir string) (string, error) {
	body, err := p.c.Get(ctx, fmt.Sprintf(slubSourceURL, recordID), nil, nil)
	if err != nil {
		return "", err
	}
	source, merr := body.Map()
	if body == nil || merr != nil {
		return "", nil
	}
	if _, err := p.c.SaveJSON(wc, source, workDir, "source_record"); err != nil {
		return "", err
	}
	for _, entry := range asSlice(source["856"]) {
		for _, subfield := range asMap(entry) {
			for _, sf := range asSlice(subfield) {
				u := asString(asMap(sf)["u"])
				if u == "" {
					continue
				}
				if m := slubPPNRe.FindStringSubmatch(u); m != nil {
					return m[1], nil
				}
			}
		}
	}
	return "", nil
}

func (p *slub) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	manifest := res.ManifestURL
	if manifest == "" {
		recordID := ResolveID(res)
		if recordID == "" {
			logx.Warnf("slub: result carries no record id or manifest URL")
			return ErrNoObjects
		}
		ppn, err := p.resolvePPN(ctx, wc, recordID, workDir)
		if err != nil {
			return err
		}
		if ppn == "" {
			logx.Warnf("slub: no IIIF manifest found for record %s", recordID)
			return ErrNoObjects
		}
		manifest = fmt.Sprintf(slubManifestURL, ppn)
	}
	got, err := iiif.DownloadManifestAndImages(ctx, p.c, wc,
		manifest, workDir, p.c.Config().MaxPages(p.Key()), true)
	if err != nil {
		return err
	}
	if !got {
		return ErrNoObjects
	}
	return nil
}
