package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

var (
	sbbSRUURL  = "https://sru.gbv.de/stabikat"
	sbbMETSURL = "https://digital.staatsbibliothek-berlin.de/dms/metsresolver/?PPN=%s"
	sbbItemURL = "https://digital.staatsbibliothek-berlin.de/werkansicht?PPN=%s"
)

var sbbImageExtensions = []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".jp2"}

// sbbDigital searches StaBiKat through the GBV SRU endpoint and
// downloads from the Staatsbibliothek zu Berlin METS resolver, which
// exposes direct PDF and page-image URLs for digitized works.
type sbbDigital struct {
	c *request.Client
}

func newSBBDigital(c *request.Client) *sbbDigital { return &sbbDigital{c: c} }

func (p *sbbDigital) Key() string { return "sbb_digital" }

// sbbCandidateQueries builds the CQL cascade for one work: PICA title
// and author indexes first, then Dublin Core, then a bare phrase. The
// first query with hits wins.
func sbbCandidateQueries(q Query) []string {
	title := escapeSRULiteral(q.Title)
	var queries []string
	if q.Creator != "" {
		creator := escapeSRULiteral(q.Creator)
		queries = append(queries,
			fmt.Sprintf(`pica.tit="%s" AND pica.aut="%s"`, title, creator),
			fmt.Sprintf(`dc.title="%s" AND dc.creator="%s"`, title, creator))
	}
	return append(queries,
		fmt.Sprintf(`pica.tit="%s"`, title),
		fmt.Sprintf(`dc.title="%s"`, title),
		fmt.Sprintf(`"%s"`, title))
}

type sbbRecords struct {
	Records []struct {
		Mods sbbMods `xml:"recordData>mods"`
	} `xml:"records>record"`
}

type sbbMods struct {
	TitleInfos []struct {
		Title    string `xml:"title"`
		SubTitle string `xml:"subTitle"`
	} `xml:"titleInfo"`
	Names     []modsName `xml:"name"`
	RecordIDs []struct {
		Source string `xml:"source,attr"`
		Value  string `xml:",chardata"`
	} `xml:"recordInfo>recordIdentifier"`
}

// recordPPN picks the record identifier, preferring one whose source
// attribute names a PPN.
func (m sbbMods) recordPPN() string {
	id := ""
	for _, rec := range m.RecordIDs {
		v := strings.TrimSpace(rec.Value)
		if v == "" {
			continue
		}
		if strings.Contains(strings.ToLower(rec.Source), "ppn") {
			return v
		}
		if id == "" {
			id = v
		}
	}
	return id
}

func (p *sbbDigital) Search(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	for _, query := range sbbCandidateQueries(q) {
		params := url.Values{
			"version":        {"1.2"},
			"operation":      {"searchRetrieve"},
			"query":          {query},
			"maximumRecords": {fmt.Sprint(limit)},
			"recordSchema":   {"mods"},
		}
		logx.Infof("sbb_digital: searching StaBiKat for %q", q.Title)
		body, err := p.c.Get(ctx, sbbSRUURL, params, map[string]string{"Accept": "application/xml"})
		if err != nil {
			return nil, err
		}
		if body == nil {
			continue
		}
		var resp sbbRecords
		if err := xml.Unmarshal(body.Bytes(), &resp); err != nil {
			logx.Errorf("sbb_digital: cannot parse SRU response: %v", err)
			continue
		}

		var results []SearchResult
		for _, rec := range resp.Records {
			ppn := rec.Mods.recordPPN()
			if ppn == "" {
				continue
			}
			if !strings.HasPrefix(strings.ToUpper(ppn), "PPN") {
				ppn = "PPN" + ppn
			}
			title := "N/A"
			if len(rec.Mods.TitleInfos) > 0 {
				ti := rec.Mods.TitleInfos[0]
				if ti.Title != "" {
					title = strings.TrimSpace(ti.Title)
				}
				if ti.SubTitle != "" {
					title += " " + strings.TrimSpace(ti.SubTitle)
				}
			}
			raw := map[string]any{
				"title":    title,
				"creator":  modsCreator(rec.Mods.Names),
				"id":       ppn,
				"item_url": fmt.Sprintf(sbbItemURL, ppn),
				"mets_url": fmt.Sprintf(sbbMETSURL, ppn),
			}
			results = append(results, FromRaw("SBB Digital Collections", p.Key(), raw))
			if len(results) >= limit {
				break
			}
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	return nil, nil
}

// metsDocument is the slice of a METS file inventory the download flow
// needs: each file's MIME type plus the linked location.
type metsDocument struct {
	Files []struct {
		MIMEType string `xml:"MIMETYPE,attr"`
		Location struct {
			Href string `xml:"href,attr"`
		} `xml:"FLocat"`
	} `xml:"fileSec>fileGrp>file"`
}

// collectMETSURLs splits a METS file inventory into PDF and page-image
// URLs, classified by MIME type with a filename-extension fallback.
func collectMETSURLs(raw []byte) (pdfs, images []string, err error) {
	var doc metsDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	for _, f := range doc.Files {
		href := f.Location.Href
		if href == "" {
			continue
		}
		mimetype := strings.ToLower(f.MIMEType)
		lower := strings.ToLower(href)
		if strings.Contains(mimetype, "pdf") || strings.HasSuffix(lower, ".pdf") {
			pdfs = append(pdfs, href)
			continue
		}
		if strings.Contains(mimetype, "image") || hasAnySuffix(lower, sbbImageExtensions) {
			images = append(images, href)
		}
	}
	return pdfs, images, nil
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func (p *sbbDigital) Download(ctx context.Context, wc *workctx.Context, res SearchResult, workDir string) error {
	ppn := ResolveID(res)
	if ppn == "" {
		logx.Warnf("sbb_digital: result carries no PPN")
		return ErrNoObjects
	}
	if !strings.HasPrefix(strings.ToUpper(ppn), "PPN") {
		ppn = "PPN" + ppn
	}
	metsURL := stringAt(res.Raw, "mets_url")
	if metsURL == "" {
		metsURL = fmt.Sprintf(sbbMETSURL, ppn)
	}

	logx.Infof("sbb_digital: fetching METS for %s", ppn)
	body, err := p.c.Get(ctx, metsURL, nil, map[string]string{"Accept": "application/xml"})
	if err != nil {
		return err
	}
	if body == nil {
		logx.Warnf("sbb_digital: no METS document for %s", ppn)
		return ErrNoObjects
	}
	if _, err := p.c.SaveJSON(wc, map[string]any{"mets_xml": body.Text()}, workDir, "mets"); err != nil {
		return err
	}

	pdfs, images, err := collectMETSURLs(body.Bytes())
	if err != nil {
		logx.Errorf("sbb_digital: cannot parse METS for %s: %v", ppn, err)
		return ErrNoObjects
	}

	prefer := p.c.Config().Download.GetPreferPDFOverImages()
	var got bool
	for _, u := range pdfs {
		path, err := p.c.DownloadFile(ctx, wc, u, workDir, "content")
		if err != nil {
			return err
		}
		if path != "" {
			got = true
			if prefer {
				return nil
			}
		}
	}

	if maxPages := p.c.Config().MaxPages(p.Key()); maxPages > 0 && len(images) > maxPages {
		images = images[:maxPages]
	}
	for i, u := range images {
		if p.c.Budget().Exhausted() {
			logx.Warnf("sbb_digital: byte budget exhausted, stopping at %d/%d page(s) for %s", i, len(images), ppn)
			break
		}
		path, err := p.c.DownloadFile(ctx, wc, u, workDir, "page")
		if err != nil {
			return err
		}
		got = got || path != ""
	}

	if !got {
		return ErrNoObjects
	}
	return nil
}
