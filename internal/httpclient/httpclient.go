// Package httpclient provides the shared HTTP transport used to talk to the
// media server: a timeout-bounded client plus a retrying Do that the media
// server client wraps with its own error taxonomy.
package httpclient

import (
	"net/http"
	"time"
)

// DefaultTimeout is the hard per-call timeout from spec §5 ("every HTTP call
// carries a hard timeout (default 60 s)").
const DefaultTimeout = 60 * time.Second

// Default returns an HTTP client with a hard overall timeout so a dead media
// server can't hang a worker forever.
func Default() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}
