package request

import (
	"net/url"
	"strings"
)

// providerHosts maps URL hostnames to provider keys so that rate limiting
// and network policy follow the provider regardless of which API or image
// host a URL points at.
var providerHosts = map[string][]string{
	"gallica":          {"gallica.bnf.fr"},
	"british_library":  {"api.bl.uk", "sru.bl.uk", "iiif.bl.uk", "access.bl.uk", "bnb.data.bl.uk"},
	"mdz":              {"api.digitale-sammlungen.de", "www.digitale-sammlungen.de", "digitale-sammlungen.de"},
	"europeana":        {"api.europeana.eu", "iiif.europeana.eu"},
	"wellcome":         {"api.wellcomecollection.org", "iiif.wellcomecollection.org"},
	"loc":              {"www.loc.gov", "loc.gov", "tile.loc.gov", "iiif.loc.gov"},
	"ddb":              {"api.deutsche-digitale-bibliothek.de", "iiif.deutsche-digitale-bibliothek.de"},
	"polona":           {"polona.pl"},
	"bne":              {"datos.bne.es", "iiif.bne.es"},
	"dpla":             {"api.dp.la"},
	"internet_archive": {"archive.org", "archivelab.org", "iiif.archivelab.org"},
	"google_books":     {"www.googleapis.com", "books.google.com", "books.googleusercontent.com", "play.google.com"},
	"hathitrust":       {"catalog.hathitrust.org", "babel.hathitrust.org"},
	"annas_archive":    {"annas-archive.org", "annas-archive.se", "annas-archive.li"},
}

// ProviderForURL returns the provider key serving the URL's host, or ""
// when the host is not recognised. Matching is by exact host or any
// subdomain of a known host; the port is ignored.
func ProviderForURL(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	for provider, parts := range providerHosts {
		for _, part := range parts {
			if host == part || strings.HasSuffix(host, "."+part) {
				return provider
			}
		}
	}
	return ""
}
