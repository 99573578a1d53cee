package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxRemoteSize caps how much of a remote ticket file is read.
const maxRemoteSize = 4 << 20

// RemoteOptions holds parameters for fetching a ticket file over HTTP.
type RemoteOptions struct {
	URL     string
	Token   string // sent as a bearer token when set
	Timeout time.Duration
}

// IsRemote reports whether source names an http(s) URL rather than a path.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// LoadRemote fetches a ticket file from a URL and parses it like Load.
func LoadRemote(ctx context.Context, opts RemoteOptions) (*File, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("config: remote: create request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, application/json")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config: remote: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize+1))
	if err != nil {
		return nil, fmt.Errorf("config: remote: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config: remote: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) > maxRemoteSize {
		return nil, fmt.Errorf("config: remote: ticket file exceeds %d bytes", maxRemoteSize)
	}

	f, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("config: remote: %w", err)
	}
	return f, nil
}
