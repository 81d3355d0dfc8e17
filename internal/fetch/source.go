// Package fetch downloads tile rasters from providers and local directories
// under a bounded concurrency scheduler.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
)

var (
	// ErrNetwork wraps transport failures and non-200 provider answers.
	ErrNetwork = errors.New("fetch: network error")
	// ErrNotFound is returned by a local source that has no file for a tile.
	ErrNotFound = errors.New("fetch: tile not found")
	// ErrInvalidPattern is returned for templates missing a coordinate token.
	ErrInvalidPattern = errors.New("fetch: invalid tile pattern")
)

// Source produces the encoded raster of one tile.
type Source interface {
	Fetch(ctx context.Context, key maptile.Tile) ([]byte, error)
}

// ValidatePattern checks that pattern carries {x}, {y} and one of {z} or
// {zoom}.
func ValidatePattern(pattern string) error {
	for _, p := range []string{"{x}", "{y}"} {
		if !strings.Contains(pattern, p) {
			return fmt.Errorf("%w: placeholder %v not found", ErrInvalidPattern, p)
		}
	}
	if !strings.Contains(pattern, "{z}") && !strings.Contains(pattern, "{zoom}") {
		return fmt.Errorf("%w: placeholder {z} not found", ErrInvalidPattern)
	}
	return nil
}

// FormatPattern substitutes the tile coordinates into pattern.
func FormatPattern(pattern string, key maptile.Tile) string {
	z := strconv.Itoa(int(key.Z))
	return strings.NewReplacer(
		"{x}", strconv.Itoa(int(key.X)),
		"{y}", strconv.Itoa(int(key.Y)),
		"{zoom}", z,
		"{z}", z,
	).Replace(pattern)
}

// HTTPSource fetches tiles from a provider URL template.
type HTTPSource struct {
	template  string
	userAgent string
	client    *http.Client
}

// NewHTTPSource creates a provider source. A nil client gets a 30s timeout.
func NewHTTPSource(template, userAgent string, client *http.Client) (*HTTPSource, error) {
	if err := ValidatePattern(template); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{template: template, userAgent: userAgent, client: client}, nil
}

// URL returns the request URL of key.
func (s *HTTPSource) URL(key maptile.Tile) string {
	return FormatPattern(s.template, key)
}

func (s *HTTPSource) Fetch(ctx context.Context, key maptile.Tile) ([]byte, error) {
	url := s.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrNetwork, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrNetwork, url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, url, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: GET %s: empty tile", ErrNetwork, url)
	}
	return body, nil
}

// LocalSource reads tiles from an xyz directory such as
// "/data/tiles/{z}/{x}/{y}.png".
type LocalSource struct {
	pattern string
}

func NewLocalSource(pattern string) (*LocalSource, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	return &LocalSource{pattern: pattern}, nil
}

func (s *LocalSource) Fetch(ctx context.Context, key maptile.Tile) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := FormatPattern(s.pattern, key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Chain tries each source in order and returns the first success. Errors of
// every source but the last are skipped.
type Chain []Source

func (c Chain) Fetch(ctx context.Context, key maptile.Tile) ([]byte, error) {
	err := ErrNotFound
	for _, s := range c {
		var data []byte
		data, err = s.Fetch(ctx, key)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}
