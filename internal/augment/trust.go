package augment

import (
	"net/url"
	"strings"
)

const (
	trustOfficial  = 1.0
	trustReference = 0.9
	trustOrg       = 0.75
	trustDefault   = 0.6
)

var referenceHosts = []string{
	"wikipedia.org",
	"britannica.com",
	"github.com",
	"stackoverflow.com",
	"stackexchange.com",
	"developer.mozilla.org",
	"arxiv.org",
	"go.dev",
	"pkg.go.dev",
	"docs.python.org",
	"learn.microsoft.com",
	"nature.com",
	"reuters.com",
}

var officialTLDs = map[string]bool{"gov": true, "edu": true, "mil": true}

// Country-code second-level domains reserved for government and academic bodies.
var officialSuffixes = []string{
	"gov.uk", "ac.uk", "nhs.uk",
	"gov.au", "edu.au",
	"gc.ca",
	"gov.in", "ac.in",
	"go.jp", "ac.jp",
	"govt.nz", "ac.nz",
	"gov.sg", "edu.sg",
	"gov.za", "ac.za",
	"gov.br", "edu.br",
	"gob.mx", "edu.mx",
	"europa.eu",
}

func official(host string) bool {
	if officialTLDs[host[strings.LastIndexByte(host, '.')+1:]] {
		return true
	}
	for _, suffix := range officialSuffixes {
		if inDomain(host, suffix) {
			return true
		}
	}
	return false
}

// inDomain reports whether host is domain or one of its subdomains.
func inDomain(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// TrustWeight scores a URL's domain: government and academic sites first, well known
// reference and technical sites next, then other .org sites.
func TrustWeight(raw string) float64 {
	host := hostOf(raw)
	if host == "" {
		return trustDefault
	}
	if official(host) {
		return trustOfficial
	}
	for _, ref := range referenceHosts {
		if inDomain(host, ref) {
			return trustReference
		}
	}
	if strings.HasSuffix(host, ".org") {
		return trustOrg
	}
	return trustDefault
}

// NormalizeURL is the dedup key: lower-case scheme and host, no www., no fragment, no
// trailing slash.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "http" {
		scheme = "https"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	out := scheme + "://" + host + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
