package crawler

import (
	"net/url"
	"strings"
)

// skippedExtensions are asset paths a content crawl has no use for.
var skippedExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
	".css", ".js", ".json", ".xml", ".pdf", ".zip", ".mp4", ".woff", ".woff2",
}

// normalizeLinks resolves raw hrefs against the page URL and keeps only
// crawlable same-host HTTP(S) links. Fragments and query strings are
// stripped so the same page is not queued twice.
func normalizeLinks(page *url.URL, hrefs []string) []string {
	seen := make(map[string]bool, len(hrefs))
	out := make([]string, 0, len(hrefs))

	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if href == "" {
			continue
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") ||
			strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "data:") {
			continue
		}

		u, err := page.Parse(href)
		if err != nil {
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		if !strings.EqualFold(u.Hostname(), page.Hostname()) {
			continue
		}
		if isAssetPath(u.Path) {
			continue
		}

		u.Fragment = ""
		u.RawQuery = ""
		normalized := u.String()
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}

func isAssetPath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range skippedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// normalizeStart canonicalizes the crawl entry point the same way
// queued links are, so the visited set catches self-references.
func normalizeStart(rawURL string) (string, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, err
	}
	u.Fragment = ""
	u.RawQuery = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), u, nil
}
