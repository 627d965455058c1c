package domain

import (
	"net/url"
	"strings"
)

// trackingParams are dropped from query strings before comparing URLs.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"dclid":   true,
	"msclkid": true,
	"yclid":   true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"_ga":     true,
	"ref_src": true,
}

// NormalizeURL returns the comparison key for a candidate URL: scheme, host
// and path lowercased, default ports, fragment, trailing slash and tracking
// parameters removed, remaining query parameters sorted.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.ToLower(trimmed)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host += ":" + port
	}

	path := strings.ToLower(u.EscapedPath())
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
			q.Del(key)
		}
	}

	key := scheme + "://" + host + path
	if encoded := q.Encode(); encoded != "" {
		key += "?" + encoded
	}
	return key
}
