package main

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
)

var errNoRoute = errors.New("route has no points")

func loadCollection(path string) (orb.Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal feature: %w", err)
	}

	var collection orb.Collection
	for _, f := range fc.Features {
		collection = append(collection, f.Geometry)
	}
	return collection, nil
}

// routeLine joins the points and lines of a collection, in order, into one
// path.
func routeLine(c orb.Collection) orb.LineString {
	var ls orb.LineString
	for _, g := range c {
		switch g := g.(type) {
		case orb.Point:
			ls = append(ls, g)
		case orb.MultiPoint:
			ls = append(ls, g...)
		case orb.LineString:
			ls = append(ls, g...)
		case orb.MultiLineString:
			for _, l := range g {
				ls = append(ls, l...)
			}
		case orb.Polygon:
			if len(g) > 0 {
				ls = append(ls, g[0]...)
			}
		}
	}
	return ls
}

// interpolate returns steps points evenly spaced by geodesic distance along
// ls, both ends included.
func interpolate(ls orb.LineString, steps int) ([]orb.Point, error) {
	if len(ls) == 0 {
		return nil, errNoRoute
	}
	if steps < 2 || len(ls) == 1 {
		return []orb.Point{ls[0]}, nil
	}
	cum := make([]float64, len(ls))
	for i := 1; i < len(ls); i++ {
		cum[i] = cum[i-1] + geo.Distance(ls[i-1], ls[i])
	}
	total := cum[len(cum)-1]
	out := make([]orb.Point, 0, steps)
	seg := 1
	for i := 0; i < steps; i++ {
		d := total * float64(i) / float64(steps-1)
		for seg < len(ls)-1 && cum[seg] < d {
			seg++
		}
		a, b := ls[seg-1], ls[seg]
		span := cum[seg] - cum[seg-1]
		f := 0.0
		if span > 0 {
			f = (d - cum[seg-1]) / span
		}
		out = append(out, orb.Point{
			a[0] + (b[0]-a[0])*f,
			a[1] + (b[1]-a[1])*f,
		})
	}
	return out, nil
}

// routeTiles counts the tiles the route passes over at zoom z.
func routeTiles(ls orb.LineString, z int) int64 {
	return tilecover.CollectionCount(orb.Collection{ls}, maptile.Zoom(z))
}

func saveFrame(dir string, index int, img image.Image) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%05d.png", index)))
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
