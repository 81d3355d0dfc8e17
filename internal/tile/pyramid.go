package tile

import (
	"fmt"

	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level a key may address.
const MaxZoom = 30

// Normalize builds the key of cell (x, y) at zoom z. x wraps around the
// antimeridian into [0, 2^z); y has no wrap and must already be in range.
func Normalize(x, y int, z maptile.Zoom) (maptile.Tile, error) {
	if z > MaxZoom {
		return maptile.Tile{}, fmt.Errorf("%w: zoom %d", ErrOutOfRange, z)
	}
	n := 1 << uint(z)
	if y < 0 || y >= n {
		return maptile.Tile{}, fmt.Errorf("%w: y=%d at zoom %d", ErrOutOfRange, y, z)
	}
	x %= n
	if x < 0 {
		x += n
	}
	return maptile.New(uint32(x), uint32(y), z), nil
}

// Ancestor returns the tile dz levels coarser than key that covers it.
func Ancestor(key maptile.Tile, dz int) (maptile.Tile, bool) {
	if dz <= 0 {
		return key, dz == 0
	}
	if int(key.Z) < dz {
		return maptile.Tile{}, false
	}
	return maptile.New(key.X>>uint(dz), key.Y>>uint(dz), key.Z-maptile.Zoom(dz)), true
}

// Parent is Ancestor(key, 1).
func Parent(key maptile.Tile) (maptile.Tile, bool) {
	return Ancestor(key, 1)
}

// Quadrant returns the child slot key occupies inside its parent: (x%2, y%2)
// flattened to 0..3.
func Quadrant(key maptile.Tile) int {
	return int(key.X&1) | int(key.Y&1)<<1
}

// Child returns the key of child slot q (see Quadrant) of key.
func Child(key maptile.Tile, q int) maptile.Tile {
	return maptile.New(key.X<<1|uint32(q&1), key.Y<<1|uint32(q>>1&1), key.Z+1)
}

// isAncestor reports whether a is a strictly coarser tile covering key.
func isAncestor(a, key maptile.Tile) bool {
	if a.Z >= key.Z {
		return false
	}
	p, _ := Ancestor(key, int(key.Z-a.Z))
	return p == a
}
