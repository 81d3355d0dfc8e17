package engine

import (
	"image/color"
	"time"

	"tilestream/internal/fetch"
	"tilestream/internal/render"
	"tilestream/internal/tile"
)

const (
	DefaultTileSize    = 256
	DefaultMinZoom     = 0
	DefaultMaxZoom     = 18
	DefaultMaxViewport = 8192
)

// Config sizes one engine. Zero values take defaults; out of range values are
// clamped rather than rejected.
type Config struct {
	TileSize int
	MinZoom  int
	MaxZoom  int
	// MaxViewport caps the pixel width and height of a viewport.
	MaxViewport  int
	MaxDownloads int
	// AncestorDepth is how many coarser levels stay resolved as fallback.
	// Zero means the default, a negative value keeps none.
	AncestorDepth int
	EmptyColor    color.RGBA
	PollBudget    time.Duration
	FetchTimeout  time.Duration
	Retry         tile.RetryPolicy
	// SmartBuffer keeps producing the half resolution buffer even when the
	// viewport is not being interacted with.
	SmartBuffer bool
}

// Defaults returns the configuration used for zero fields.
func Defaults() Config {
	return Config{
		TileSize:      DefaultTileSize,
		MinZoom:       DefaultMinZoom,
		MaxZoom:       DefaultMaxZoom,
		MaxViewport:   DefaultMaxViewport,
		MaxDownloads:  fetch.DefaultMaxDownloads,
		AncestorDepth: tile.DefaultAncestorDepth,
		EmptyColor:    render.DefaultEmptyColor,
		PollBudget:    fetch.DefaultPollBudget,
		FetchTimeout:  fetch.DefaultFetchTimeout,
		Retry:         tile.DefaultRetryPolicy(),
	}
}

func (c *Config) normalize() {
	d := Defaults()
	if c.TileSize <= 0 {
		c.TileSize = d.TileSize
	}
	c.MinZoom = clamp(c.MinZoom, 0, tile.MaxZoom)
	if c.MaxZoom <= 0 {
		c.MaxZoom = d.MaxZoom
	}
	c.MaxZoom = clamp(c.MaxZoom, c.MinZoom, tile.MaxZoom)
	if c.MaxViewport <= 0 {
		c.MaxViewport = d.MaxViewport
	}
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = d.MaxDownloads
	}
	switch {
	case c.AncestorDepth == 0:
		c.AncestorDepth = d.AncestorDepth
	case c.AncestorDepth < 0:
		c.AncestorDepth = 0
	}
	if c.EmptyColor == (color.RGBA{}) {
		c.EmptyColor = d.EmptyColor
	}
	if c.PollBudget <= 0 {
		c.PollBudget = d.PollBudget
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
