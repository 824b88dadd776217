package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"sync"

	_ "image/png"

	"github.com/nf/cr2"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/models"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

var (
	defectColor = color.RGBA{R: 239, G: 68, B: 68, A: 255}
	normalColor = color.RGBA{R: 34, G: 197, B: 94, A: 255}
	labelWhite  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	outlineWidth = 3
	labelHeight  = 24
	labelPadX    = 5
	fontSize     = 16
	jpegQuality  = 90
)

// System fonts with Cyrillic coverage, the fallback when the bundled face
// cannot be parsed.
var systemFontPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Bold.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Regular.ttf",
	"/usr/share/fonts/TTF/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/TTF/LiberationSans-Bold.ttf",
}

var (
	labelFaceOnce sync.Once
	labelFace     font.Face
)

// labelFont returns the annotation label face. The bundled Go Bold face covers
// Cyrillic and ships with the binary; system fonts are only a fallback.
func labelFont() font.Face {
	labelFaceOnce.Do(func() {
		if face := parseFace(gobold.TTF); face != nil {
			labelFace = face
			return
		}
		for _, path := range systemFontPaths {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if face := parseFace(data); face != nil {
				labelFace = face
				return
			}
		}
	})
	return labelFace
}

func parseFace(ttf []byte) font.Face {
	parsed, err := opentype.Parse(ttf)
	if err != nil {
		return nil
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil
	}
	return face
}

// Decode parses an image payload. Standard formats go through the registered
// decoders; Canon CR2 is tried as a fallback before giving up. Other RAW
// formats are not decodable and fail here.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	if raw, crErr := cr2.Decode(bytes.NewReader(data)); crErr == nil {
		return raw, nil
	}
	return nil, apperrors.Wrap(apperrors.KindValidation, "unsupported or corrupt image", err)
}

// RenderAnnotations draws detection boxes and labels onto an image and
// returns it as JPEG. Transparency is flattened onto a white background so
// PNG overlays do not turn black.
func RenderAnnotations(data []byte, detections []models.Detection) ([]byte, error) {
	src, err := Decode(data)
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Over)

	face := labelFont()
	for _, det := range detections {
		boxColor := normalColor
		if models.DefectClasses[det.Class] {
			boxColor = defectColor
		}

		x1, y1, x2, y2 := det.BBox[0], det.BBox[1], det.BBox[2], det.BBox[3]
		drawRect(canvas, x1, y1, x2, y2, boxColor)

		label := det.ClassRU
		if label == "" {
			label = det.Class
		}
		if label == "" {
			label = "object"
		}
		text := fmt.Sprintf("%s %.0f%%", label, det.Confidence*100)
		drawLabel(canvas, face, text, x1, y1, boxColor)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, apperrors.Internal("failed to encode annotated image", err)
	}
	return out.Bytes(), nil
}

// drawRect draws an outlined rectangle clamped to the canvas bounds.
func drawRect(canvas *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	for i := 0; i < outlineWidth; i++ {
		rect := image.Rect(x1+i, y1+i, x2-i, y2-i).Intersect(canvas.Bounds())
		if rect.Empty() {
			return
		}
		for x := rect.Min.X; x < rect.Max.X; x++ {
			canvas.SetRGBA(x, rect.Min.Y, c)
			canvas.SetRGBA(x, rect.Max.Y-1, c)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			canvas.SetRGBA(rect.Min.X, y, c)
			canvas.SetRGBA(rect.Max.X-1, y, c)
		}
	}
}

// drawLabel paints a filled box above the bbox with the label text in white.
func drawLabel(canvas *image.RGBA, face font.Face, text string, x1, y1 int, c color.RGBA) {
	drawer := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(labelWhite),
		Face: face,
	}
	textWidth := drawer.MeasureString(text).Ceil()

	top := y1 - labelHeight
	if top < 0 {
		top = 0
	}
	boxRect := image.Rect(x1, top, x1+textWidth+2*labelPadX, y1).Intersect(canvas.Bounds())
	draw.Draw(canvas, boxRect, image.NewUniform(c), image.Point{}, draw.Src)

	baseline := y1 - labelPadX
	if baseline < fontSize {
		baseline = fontSize
	}
	drawer.Dot = fixed.P(x1+labelPadX, baseline)
	drawer.DrawString(text)
}
