package tile

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // provider rasters
	_ "image/png"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Pool recycles tile objects and their fixed size pixel buffers.
type Pool struct {
	size  int
	pix   sync.Pool
	tiles sync.Pool
}

// NewPool creates a pool for size x size tiles.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pix.New = func() any {
		return image.NewRGBA(image.Rect(0, 0, size, size))
	}
	p.tiles.New = func() any {
		return new(Tile)
	}
	return p
}

// Size returns the edge length of the pooled pixel buffers.
func (p *Pool) Size() int {
	return p.size
}

// Decode decodes an encoded raster (PNG, JPEG or WebP) into a pooled buffer.
// Images of a different size are rescaled with nearest neighbour sampling.
func (p *Pool) Decode(data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	dst := p.image()
	if b.Dx() == p.size && b.Dy() == p.size {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}
	return dst, nil
}

// Release hands a buffer obtained from Decode back to the pool.
func (p *Pool) Release(img *image.RGBA) {
	if img == nil || img.Rect.Dx() != p.size || img.Rect.Dy() != p.size {
		return
	}
	p.pix.Put(img)
}

func (p *Pool) image() *image.RGBA {
	return p.pix.Get().(*image.RGBA)
}

func (p *Pool) tile() *Tile {
	return p.tiles.Get().(*Tile)
}

func (p *Pool) putTile(t *Tile) {
	p.tiles.Put(t)
}
