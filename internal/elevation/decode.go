package elevation

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/tiles"
)

// raster is a decoded terrain tile.
type raster struct {
	img    image.Image
	scaleX float64
	scaleY float64
}

// decodeRaster decodes a png or webp terrain tile. tileSize is the declared
// tile side; pixel addresses are scaled when the image is a different size.
func decodeRaster(data []byte, tileSize int) (*raster, error) {
	data, err := tiles.Decompress(data)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: terrain image: %w", model.ErrDecodeFailure, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: terrain image is empty", model.ErrDecodeFailure)
	}
	if tileSize <= 0 {
		tileSize = model.DefaultTileSize
	}
	return &raster{
		img:    img,
		scaleX: float64(b.Dx()) / float64(tileSize),
		scaleY: float64(b.Dy()) / float64(tileSize),
	}, nil
}

// sample returns the RGB channels at the pixel containing (px, py), clamped
// into the image.
func (r *raster) sample(px, py float64) (red, green, blue uint8) {
	b := r.img.Bounds()
	x := clampInt(int(px*r.scaleX), 0, b.Dx()-1) + b.Min.X
	y := clampInt(int(py*r.scaleY), 0, b.Dy()-1) + b.Min.Y
	c := color.NRGBAModel.Convert(r.img.At(x, y)).(color.NRGBA)
	return c.R, c.G, c.B
}

// Decode converts one RGB sample to meters.
func Decode(enc model.Encoding, red, green, blue uint8) float64 {
	r, g, b := float64(red), float64(green), float64(blue)
	switch enc {
	case model.EncodingTerrarium:
		return r*256 + g + b/256 - 32768
	default:
		// -10000 + v*0.1, divided instead of multiplied so whole decimeters stay exact
		return (r*65536+g*256+b)/10 - 10000
	}
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
