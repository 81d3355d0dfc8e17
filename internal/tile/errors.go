package tile

import "errors"

var (
	// ErrDecode is returned when tile bytes are not a decodable raster.
	ErrDecode = errors.New("tile: decode failed")
	// ErrOutOfRange is returned for coordinates outside the zoom's grid.
	ErrOutOfRange = errors.New("tile: coordinate out of range")
	// ErrDisposed is returned when colors arrive for a tile that no longer exists.
	ErrDisposed = errors.New("tile: disposed")
	// ErrState is returned for a transition the status machine does not allow.
	ErrState = errors.New("tile: invalid status transition")
)
