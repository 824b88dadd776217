package imaging

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/ternarybob/linewatch/internal/apperrors"
	xdraw "golang.org/x/image/draw"
)

const thumbnailQuality = 85

// Thumbnail scales an image so its longest side is at most maxSide and
// returns it as JPEG. Images already within bounds are re-encoded unscaled.
func Thumbnail(data []byte, maxSide int) ([]byte, error) {
	src, err := Decode(data)
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w > maxSide || h > maxSide {
		var tw, th int
		if w >= h {
			tw = maxSide
			th = h * maxSide / w
		} else {
			th = maxSide
			tw = w * maxSide / h
		}
		if tw < 1 {
			tw = 1
		}
		if th < 1 {
			th = 1
		}

		dst := image.NewRGBA(image.Rect(0, 0, tw, th))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
		src = dst
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, apperrors.Internal("failed to encode thumbnail", err)
	}
	return out.Bytes(), nil
}
