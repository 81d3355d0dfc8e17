package main

import (
	"fmt"
	"net/http"

	"github.com/paulmach/orb/maptile"

	"tilestream/internal/fetch"
)

// TileMap 瓦片地图类型
type TileMap struct {
	Name      string
	Format    string
	URL       string
	UserAgent string
	// LocalPattern is a {z}/{x}/{y} path consulted before the network when
	// set.
	LocalPattern string
}

// tileURL 获取瓦片URL
func (m *TileMap) tileURL(t maptile.Tile) string {
	return fetch.FormatPattern(m.URL, t)
}

// Source builds the fetch source for the map: the provider alone, or the
// local directory first when configured.
func (m *TileMap) Source(client *http.Client) (fetch.Source, error) {
	if err := checkFormat(m.Format); err != nil {
		return nil, err
	}
	remote, err := fetch.NewHTTPSource(m.URL, m.UserAgent, client)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", m.Name, err)
	}
	if m.LocalPattern == "" {
		return remote, nil
	}
	local, err := fetch.NewLocalSource(m.LocalPattern)
	if err != nil {
		return nil, fmt.Errorf("map %s local source: %w", m.Name, err)
	}
	return fetch.Chain{local, remote}, nil
}
