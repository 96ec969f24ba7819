// Package health checks that nfosync's media server is reachable before
// the Supervisor commits to a run, per spec §7's "Server connection
// refused at startup: fatal" rule. Adapted from the teacher's provider/
// endpoint reachability probes, narrowed to the one check nfosync needs.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CheckServer confirms baseURL answers for token before the Supervisor
// starts resolving or editing items against it. It hits the identity
// endpoint, which every Plex-compatible server answers unauthenticated,
// so a 5xx or transport failure means the configured server is not
// reachable at all. A 4xx answer still counts as reachable.
func CheckServer(ctx context.Context, baseURL, token string) error {
	if baseURL == "" {
		return fmt.Errorf("health: server_base_url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("health: parse server_base_url: %w", err)
	}
	u.Path = "/identity"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("health: build request: %w", err)
	}
	if token != "" {
		req.Header.Set("X-Plex-Token", token)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health: server unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 || resp.StatusCode == 0 {
		return fmt.Errorf("health: server returned HTTP %d", resp.StatusCode)
	}
	return nil
}
