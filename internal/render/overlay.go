package render

import (
	"image"

	"github.com/paulmach/orb/maptile"
)

// Overlay draws markers or drawings onto the back buffer after the tiles.
// origin is the unwrapped tile coordinate of the buffer's top-left cell;
// width and height are the buffer's pixel size.
type Overlay interface {
	Draw(back *image.RGBA, origin image.Point, width, height int, zoom maptile.Zoom)
}

// OverlayFunc adapts a function to Overlay.
type OverlayFunc func(back *image.RGBA, origin image.Point, width, height int, zoom maptile.Zoom)

func (f OverlayFunc) Draw(back *image.RGBA, origin image.Point, width, height int, zoom maptile.Zoom) {
	f(back, origin, width, height, zoom)
}
