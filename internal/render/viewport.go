package render

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxLatitude is the edge of the Web Mercator square.
const MaxLatitude = 85.05112878

// Scope is how much of the back buffer a pass must rebuild.
type Scope int

const (
	// ScopePatch redraws cells whose tiles finished loading.
	ScopePatch Scope = iota
	// ScopeMove is a pan: cells are only re-resolved when the window moves.
	ScopeMove
	// ScopeFull re-resolves every cell and retries failed tiles.
	ScopeFull
)

func (s Scope) String() string {
	switch s {
	case ScopePatch:
		return "patch"
	case ScopeMove:
		return "move"
	case ScopeFull:
		return "full"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Request is the viewport state one pass renders.
type Request struct {
	Center orb.Point
	Zoom   maptile.Zoom
	Width  int
	Height int
	Scope  Scope
	// Smart asks for the half resolution buffer as well.
	Smart bool
}

// TileFraction projects a lon/lat point to fractional tile coordinates at z.
func TileFraction(p orb.Point, z maptile.Zoom) (float64, float64) {
	n := float64(uint64(1) << uint(z))
	lat := math.Max(-MaxLatitude, math.Min(MaxLatitude, p.Lat()))
	fx := (p.Lon() + 180) / 360 * n
	latRad := lat * math.Pi / 180
	fy := (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n
	return fx, fy
}

// window is the grid of tiles covering the viewport plus a one tile margin.
type window struct {
	zoom       maptile.Zoom
	originX    int // unwrapped, may be negative or past the grid
	originY    int
	cols, rows int
	// viewport offset inside the back buffer
	offX, offY int
	width      int
	height     int
}

// sameGrid reports whether w and o cover the same cells.
func (w window) sameGrid(o window) bool {
	return w.zoom == o.zoom && w.originX == o.originX && w.originY == o.originY &&
		w.cols == o.cols && w.rows == o.rows
}

// layout computes the window for req. The center is clamped vertically so
// the viewport stays on the map where the map is tall enough, and wrapped
// horizontally.
func layout(req Request, tileSize int) window {
	ts := float64(tileSize)
	n := float64(uint64(1) << uint(req.Zoom))
	fx, fy := TileFraction(req.Center, req.Zoom)

	fx = math.Mod(fx, n)
	if fx < 0 {
		fx += n
	}
	halfW := float64(req.Width) / 2 / ts
	halfH := float64(req.Height) / 2 / ts
	if 2*halfH <= n {
		fy = math.Max(halfH, math.Min(n-halfH, fy))
	} else {
		fy = n / 2
	}

	left := fx - halfW
	top := fy - halfH
	w := window{
		zoom:    req.Zoom,
		originX: int(math.Floor(left)) - 1,
		originY: int(math.Floor(top)) - 1,
		cols:    (req.Width+tileSize-1)/tileSize + 2,
		rows:    (req.Height+tileSize-1)/tileSize + 2,
		width:   req.Width,
		height:  req.Height,
	}
	w.offX = int(math.Floor((left - float64(w.originX)) * ts))
	w.offY = int(math.Floor((top - float64(w.originY)) * ts))
	return w
}
