package provider

import (
	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/quota"
	"github.com/chrono-downloader/chrono/internal/request"
)

// displayNames maps provider keys to the names shown in logs, reports
// and result metadata.
var displayNames = map[string]string{
	"internet_archive": "Internet Archive",
	"bnf_gallica":      "BnF Gallica",
	"mdz":              "MDZ",
	"loc":              "Library of Congress",
	"europeana":        "Europeana",
	"dpla":             "DPLA",
	"ddb":              "DDB",
	"google_books":     "Google Books",
	"wellcome":         "Wellcome Collection",
	"polona":           "Polona",
	"bne":              "BNE",
	"hathitrust":       "HathiTrust",
	"british_library":  "British Library",
	"annas_archive":    "Anna's Archive",
	"slub":             "SLUB Dresden",
	"e_rara":           "e-rara",
	"sbb_digital":      "SBB Digital Collections",
}

// requiredKeys names the environment credential without which a
// provider cannot operate at all.
var requiredKeys = map[string]string{
	"europeana":    "EUROPEANA_API_KEY",
	"dpla":         "DPLA_API_KEY",
	"ddb":          "DDB_API_KEY",
	"google_books": "GOOGLE_BOOKS_API_KEY",
}

// canonicalOrder is the build and fallback ordering of connectors.
var canonicalOrder = []string{
	"internet_archive",
	"bnf_gallica",
	"mdz",
	"loc",
	"europeana",
	"dpla",
	"ddb",
	"google_books",
	"wellcome",
	"polona",
	"bne",
	"hathitrust",
	"british_library",
	"annas_archive",
	"slub",
	"e_rara",
	"sbb_digital",
}

// DisplayName returns the human name for a provider key, or the key
// itself when unknown.
func DisplayName(key string) string {
	if n, ok := displayNames[key]; ok {
		return n
	}
	return key
}

// Registry holds the constructed connectors for one run.
type Registry struct {
	cfg       *config.Config
	providers map[string]Provider
	order     []string
}

// NewRegistry builds every connector whose credentials are available.
// Providers with a missing required key are skipped with an error log;
// they reappear as soon as the environment supplies the key.
func NewRegistry(cfg *config.Config, c *request.Client, quotas *quota.Manager) *Registry {
	r := &Registry{cfg: cfg, providers: make(map[string]Provider)}
	for _, key := range canonicalOrder {
		if env, ok := requiredKeys[key]; ok && config.APIKey(env) == "" {
			logx.Errorf("%s: missing %s, provider disabled", DisplayName(key), env)
			continue
		}
		var p Provider
		switch key {
		case "internet_archive":
			p = newInternetArchive(c)
		case "bnf_gallica":
			p = newGallica(c)
		case "mdz":
			p = newMDZ(c)
		case "loc":
			p = newLOC(c)
		case "europeana":
			p = newEuropeana(c, config.APIKey("EUROPEANA_API_KEY"))
		case "dpla":
			p = newDPLA(c, config.APIKey("DPLA_API_KEY"))
		case "ddb":
			p = newDDB(c, config.APIKey("DDB_API_KEY"))
		case "google_books":
			p = newGoogleBooks(c, config.APIKey("GOOGLE_BOOKS_API_KEY"))
		case "wellcome":
			p = newWellcome(c)
		case "polona":
			p = newPolona(c)
		case "bne":
			p = newBNE(c)
		case "hathitrust":
			p = newHathiTrust(c)
		case "british_library":
			p = newBritishLibrary(c)
		case "annas_archive":
			p = newAnnasArchive(c, config.APIKey("ANNAS_ARCHIVE_API_KEY"), quotas)
		case "slub":
			p = newSLUB(c)
		case "e_rara":
			p = newERara(c)
		case "sbb_digital":
			p = newSBBDigital(c)
		}
		if p != nil {
			r.providers[key] = p
			r.order = append(r.order, key)
		}
	}
	return r
}

// Get returns the connector for a key.
func (r *Registry) Get(key string) (Provider, bool) {
	p, ok := r.providers[key]
	return p, ok
}

// Enabled returns the connectors that participate in the run, in
// canonical order.
func (r *Registry) Enabled() []Provider {
	var out []Provider
	for _, key := range r.order {
		if r.cfg.ProviderEnabled(key) {
			out = append(out, r.providers[key])
		}
	}
	return out
}

// InHierarchy returns the enabled connectors in the given priority
// order. Enabled connectors missing from the order are appended after
// it, so a partial hierarchy never silently drops a provider.
func (r *Registry) InHierarchy(order []string) []Provider {
	if len(order) == 0 {
		return r.Enabled()
	}
	seen := make(map[string]bool, len(order))
	var out []Provider
	for _, key := range order {
		seen[key] = true
		if p, ok := r.providers[key]; ok && r.cfg.ProviderEnabled(key) {
			out = append(out, p)
		}
	}
	for _, key := range r.order {
		if !seen[key] && r.cfg.ProviderEnabled(key) {
			out = append(out, r.providers[key])
		}
	}
	return out
}
