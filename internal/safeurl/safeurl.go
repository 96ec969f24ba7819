// Package safeurl validates the media server base URL nfosync is
// configured to talk to, rejecting schemes that make no sense for an
// HTTP API client (file://, javascript:, etc). Adapted from the teacher's
// SSRF-guard helper of the same name and signature.
package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or
// https. Used by internal/config to reject a server_base_url that can't
// possibly be a reachable media server API.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return (s == "http" || s == "https") && parsed.Host != ""
}
