package main

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tilestream/internal/engine"
	"tilestream/internal/tile"
)

const confTOML = `
[tm]
name = "osm"
url = "https://tile.example.org/{z}/{x}/{y}.png"
  [tm.local]
  enabled = true
  pattern = "/data/osm/{zoom}/{x}/{y}.png"

[engine]
tileSize = 512
maxDownloads = 8
ancestorDepth = 2
emptyColor = "#102030"
pollBudget = "4ms"
  [engine.retry]
  max = 5
  initial = "500ms"

[tour]
geojson = "route.geojson"
zoom = 9
`

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConf(t *testing.T) {
	c, err := loadConf(writeConf(t, confTOML))
	if err != nil {
		t.Fatalf("loadConf failed: %v", err)
	}
	if c.Output.Directory != "output" || c.Tour.Width != 800 || c.Tour.Steps != 50 {
		t.Errorf("defaults not applied: %+v %+v", c.Output, c.Tour)
	}
	if c.Tour.Zoom != 9 || c.Tour.Geojson != "route.geojson" {
		t.Errorf("tour section = %+v", c.Tour)
	}

	got, err := c.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}
	want := engine.Config{
		TileSize:      512,
		MinZoom:       ZoomMin,
		MaxZoom:       ZoomMax,
		MaxDownloads:  8,
		AncestorDepth: 2,
		EmptyColor:    color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff},
		PollBudget:    4 * time.Millisecond,
		FetchTimeout:  20 * time.Second,
		Retry:         tile.RetryPolicy{MaxAttempts: 5, Initial: 500 * time.Millisecond, MaxInterval: time.Minute},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("engine config mismatch (-want +got):\n%s", diff)
	}

	m := c.TileMap()
	if m.LocalPattern != "/data/osm/{zoom}/{x}/{y}.png" || m.UserAgent == "" || m.Format != PNG {
		t.Errorf("tile map = %+v", m)
	}
}

func TestLoadConfMissing(t *testing.T) {
	if _, err := loadConf(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Errorf("missing config accepted")
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{in: "#e5e3df", want: color.RGBA{R: 0xe5, G: 0xe3, B: 0xdf, A: 0xff}},
		{in: "00000080", want: color.RGBA{A: 0x80}},
		{in: "", want: color.RGBA{}},
		{in: "#fff", wantErr: true},
		{in: "#zzzzzz", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseHexColor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseHexColor(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
