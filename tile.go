package main

import (
	"fmt"
	"strings"
)

// TileSize 默认瓦片大小
const TileSize = 256

// ZoomMin 最小级别
const ZoomMin = 0

// ZoomMax 最大级别
const ZoomMax = 20

// Constants representing raster tile formats the engine can decode
const (
	PNG  = "png"
	JPG  = "jpg"
	JPEG = "jpeg"
	WEBP = "webp"
)

// checkFormat rejects provider formats that are not raster images.
func checkFormat(format string) error {
	switch strings.ToLower(format) {
	case PNG, JPG, JPEG, WEBP, "":
		return nil
	default:
		return fmt.Errorf("unsupported tile format %q, want png, jpg or webp", format)
	}
}
