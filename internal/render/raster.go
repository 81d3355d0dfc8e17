package render

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// ensure returns img when it already has size w x h, else a new raster.
func ensure(img *image.RGBA, w, h int) *image.RGBA {
	if img != nil && img.Rect.Dx() == w && img.Rect.Dy() == h {
		return img
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func fill(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// crop copies the w x h window at off of src into dst.
func crop(dst, src *image.RGBA, off image.Point) {
	draw.Draw(dst, dst.Bounds(), src, off, draw.Src)
}

// downsample writes the 2x2 box average of src into dst, which is half the
// size of src rounded down (at least one pixel). Edge pixels of odd sized
// sources are clamped.
func downsample(dst, src *image.RGBA) {
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := dst.Rect.Dx(), dst.Rect.Dy()
	for y := 0; y < dh; y++ {
		y0 := min(2*y, sh-1)
		y1 := min(2*y+1, sh-1)
		for x := 0; x < dw; x++ {
			x0 := min(2*x, sw-1)
			x1 := min(2*x+1, sw-1)
			i00 := src.PixOffset(x0, y0)
			i10 := src.PixOffset(x1, y0)
			i01 := src.PixOffset(x0, y1)
			i11 := src.PixOffset(x1, y1)
			d := dst.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				sum := int(src.Pix[i00+c]) + int(src.Pix[i10+c]) + int(src.Pix[i01+c]) + int(src.Pix[i11+c])
				dst.Pix[d+c] = uint8((sum + 2) / 4)
			}
		}
	}
}
