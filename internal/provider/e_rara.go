package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"

	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	eRaraSRUURL      = "https://www.e-rara.ch/sru"
	eRaraManifestURL = "https://www.e-rara.ch/i3f/v20/%s/manifest"
	eRaraItemURL     = "https://www.e-rara.ch/%s/%s"
)

// eRara searches the e-rara.ch SRU endpoint (MODS schema) and downloads
// through the IIIF manifest published for each Visual Library id.
type eRara struct {
	c *request.Client
}

func newERara(c *request.Client) *eRara { return &eRara{c: c} }

func (p *eRara) Key() string { return "e_rara" }

// eRaraRecords is the MODS flavour of an SRU response, with the Visual
// Library id and URL prefix carried in extraRecordData.
type eRaraRecords struct {
	Records []struct {
		Mods  eRaraMods `xml:"recordData>mods"`
		Extra struct {
			ID     string `xml:"id"`
			Prefix string `xml:"prefix"`
		} `xml:"extraRecordData"`
	} `xml:"records>record"`
}

type eRaraMods struct {
	Titles []string   `xml:"titleInfo>title"`
	Names  []modsName `xml:"name"`
}

type modsName struct {
	DisplayForm string   `xml:"displayForm"`
	Parts       []string `xml:"namePart"`
}

// modsCreator picks a creator from MODS name elements: the first
// displayForm, falling back to the first namePart.
func modsCreator(names []modsName) string {
	for _, n := range names {
		if n.DisplayForm != "" {
			return n.DisplayForm
		}
	}
	for _, n := range names {
		if s := firstOr(n.Parts, ""); s != "" {
			return s
		}
	}
	return "N/A"
}

func (p *eRara) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	query := fmt.Sprintf(`"%s"`, escapeSRULiteral(q.Title))
	if q.Creator != "" {
		query += fmt.Sprintf(` "%s"`, escapeSRULiteral(q.Creator))
	}
	params := url.Values{
		"version":        {"1.2"},
		"operation":      {"searchRetrieve"},
		"query":          {query},
		"maximumRecords": {fmt.Sprint(limit)},
		"recordSchema":   {"mods"},
	}
	logx.Infof("e_rara: searching for %q", q.Title)
	body, err := p.c.Get(ctx, eRaraSRUURL, params, nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var resp eRaraRecords
	if err := xml.Unmarshal(body.Bytes(), &resp); err != nil {
		logx.Errorf("e_rara: cannot parse SRU response: %v", err)
		return nil, nil
	}
	var results []SearchResult
	for _, rec := range resp.Records {
		vlid := rec.Extra.ID
		if vlid == "" {
			continue
		}
		raw := map[string]any{
			"title":         firstOr(rec.Mods.Titles, "N/A"),
			"creator":       modsCreator(rec.Mods.Names),
			"id":            vlid,
			"prefix":        rec.Extra.Prefix,
			"iiif_manifest": fmt.Sprintf(eRaraManifestURL, vlid),
		}
		if rec.Extra.Prefix != "" {
			raw["item_url"] = fmt.Sprintf(eRaraItemURL, rec.Extra.Prefix, vlid)
		}
		results = append(results, FromRaw("e-rara", p.Key(), raw))
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (p *eRara) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	manifest := res.ManifestURL
	if manifest == "" {
		vlid := ResolveID(res)
		if vlid == "" {
			logx.Warnf("e_rara: result carries no Visual Library id or manifest URL")
			return ErrNoObjects
		}
		manifest = fmt.Sprintf(eRaraManifestURL, vlid)
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
