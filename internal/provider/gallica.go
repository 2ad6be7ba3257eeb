package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"

	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	gallicaSRUURL      = "https://gallica.bnf.fr/SRU"
	gallicaManifestURL = "https://gallica.bnf.fr/iiif/ark:/12148/%s/manifest.json"
)

var gallicaArkRe = regexp.MustCompile(`ark:/12148/([^/]+)`)

// gallica searches BnF's SRU endpoint and downloads via the Gallica
// IIIF Presentation API, addressed by ARK identifier.
type gallica struct {
	c *request.Client
}

func newGallica(c *request.Client) *gallica { return &gallica{c: c} }

func (p *gallica) Key() string { return "bnf_gallica" }

// sruRecords is the slice of Dublin Core records inside an SRU
// searchRetrieve response; element matching is by local name, so the
// oai_dc and srw_dc wrappers both satisfy it.
type sruRecords struct {
	Records []struct {
		Data struct {
			DC sruDublinCore `xml:"dc"`
		} `xml:"recordData"`
	} `xml:"records>record"`
}

type sruDublinCore struct {
	Titles      []string `xml:"title"`
	Creators    []string `xml:"creator"`
	Dates       []string `xml:"date"`
	Identifiers []string `xml:"identifier"`
}

func (p *gallica) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := fmt.Sprintf(`gallica all "%s"`, escapeSRULiteral(q.Title))
	if q.Creator != "" {
		query += fmt.Sprintf(` and dc.creator all "%s"`, escapeSRULiteral(q.Creator))
	}
	params := url.Values{
		"version":        {"1.2"},
		"operation":      {"searchRetrieve"},
		"query":          {query},
		"maximumRecords": {fmt.Sprint(limit)},
		"recordSchema":   {"oai_dc"},
	}
	logx.Infof("bnf_gallica: searching for %q", q.Title)
	body, err := p.c.Get(ctx, gallicaSRUURL, params, nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var resp sruRecords
	if err := xml.Unmarshal(body.Bytes(), &resp); err != nil {
		logx.Errorf("bnf_gallica: cannot parse SRU response: %v", err)
		return nil, nil
	}
	var results []SearchResult
	for _, rec := range resp.Records {
		dc := rec.Data.DC
		ark := ""
		for _, ident := range dc.Identifiers {
			if m := gallicaArkRe.FindStringSubmatch(ident); m != nil {
				ark = m[1]
				break
			}
		}
		if ark == "" {
			continue
		}
		raw := map[string]any{
			"title":   firstOr(dc.Titles, "N/A"),
			"creator": firstOr(dc.Creators, "N/A"),
			"date":    firstOr(dc.Dates, ""),
			"ark_id":  ark,
		}
		results = append(results, FromRaw("BnF Gallica", p.Key(), raw))
	}
	return results, nil
}

func (p *gallica) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	ark := ResolveID(res, "ark_id")
	if ark == "" {
		logx.Warnf("bnf_gallica: result carries no ARK identifier")
		return ErrNoObjects
	}
	got, err := iiif.DownloadManifestAndImages(ctx, p.c, wc,
		fmt.Sprintf(gallicaManifestURL, ark), workDir, p.c.Config().MaxPages(p.Key()), true)
	if err != nil {
		return err
	}
	if !got {
		return ErrNoObjects
	}
	return nil
}

func firstOr(list []string, def string) string {
	for _, s := range list {
		if s != "" {
			return s
		}
	}
	return def
}
