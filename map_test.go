package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb/maptile"

	"tilestream/internal/fetch"
)

func TestTileURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://a.example.org/{z}/{x}/{y}.png", "https://a.example.org/4/3/2.png"},
		{"https://b.example.org/tiles?l={zoom}&x={x}&y={y}", "https://b.example.org/tiles?l=4&x=3&y=2"},
	}
	for _, tt := range tests {
		m := TileMap{URL: tt.url}
		if got := m.tileURL(maptile.New(3, 2, 4)); got != tt.want {
			t.Errorf("tileURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestTileMapSource(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("remote"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "1", "0"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1", "0", "1.png"), []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := TileMap{
		Name:         "test",
		Format:       PNG,
		URL:          srv.URL + "/{z}/{x}/{y}.png",
		LocalPattern: filepath.Join(dir, "{z}", "{x}", "{y}.png"),
	}
	src, err := m.Source(srv.Client())
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	ctx := context.Background()
	if data, err := src.Fetch(ctx, maptile.New(0, 1, 1)); err != nil || string(data) != "local" {
		t.Errorf("local tile = %q, %v", data, err)
	}
	if data, err := src.Fetch(ctx, maptile.New(1, 1, 1)); err != nil || string(data) != "remote" {
		t.Errorf("remote tile = %q, %v", data, err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("provider hit %d times, want 1", n)
	}
}

func TestTileMapSourceRejects(t *testing.T) {
	if _, err := (&TileMap{URL: "https://x/{z}/{x}.png"}).Source(nil); !errors.Is(err, fetch.ErrInvalidPattern) {
		t.Errorf("bad template error = %v", err)
	}
	if _, err := (&TileMap{URL: "https://x/{z}/{x}/{y}.pbf", Format: "pbf"}).Source(nil); err == nil {
		t.Errorf("vector format accepted")
	}
}
