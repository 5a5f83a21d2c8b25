// Package fetcher downloads feed files over HTTP into the update directory.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"ferrysync/internal/gtfs"
)

// DefaultFileName is used when the URL path does not name a JSON file.
const DefaultFileName = "ferry_data.json"

const maxBody = 64 << 20

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads feed files.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
	now     func() time.Time
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 60 * time.Second,
		now:     time.Now,
	}
}

// Download fetches rawURL and saves the body into dir under a timestamped name.
// It returns the saved path. The file is not validated.
func (f *Fetcher) Download(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "ferrysync/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBody {
		return "", fmt.Errorf("response larger than %d bytes", maxBody)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("empty response")
	}

	return gtfs.SaveUpdate(dir, f.now(), FileName(u), body)
}

// FileName picks the saved name for a download URL.
func FileName(u *url.URL) string {
	name := path.Base(u.Path)
	if !gtfs.IsFeedFile(name) {
		return DefaultFileName
	}
	return name
}
