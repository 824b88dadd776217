package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/models"
	"golang.org/x/image/font"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 120, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestRenderAnnotationsProducesJPEG(t *testing.T) {
	src := encodeJPEG(t, 200, 150)
	detections := []models.Detection{
		{
			Class:      "damaged_insulator",
			ClassRU:    "Поврежденный изолятор",
			Confidence: 0.87,
			BBox:       [4]int{20, 30, 120, 100},
			DefectSummary: models.DefectSummary{
				Type: "поврежден", Severity: models.SeverityHigh,
			},
		},
		{
			Class:      "traverse",
			ClassRU:    "Траверса",
			Confidence: 0.55,
			BBox:       [4]int{10, 5, 60, 40},
		},
	}

	out, err := RenderAnnotations(src, detections)
	require.NoError(t, err)

	rendered, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 200, rendered.Bounds().Dx())
	assert.Equal(t, 150, rendered.Bounds().Dy())
}

func TestRenderAnnotationsFlattensTransparency(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, err := RenderAnnotations(buf.Bytes(), nil)
	require.NoError(t, err)

	rendered, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	r, g, b, _ := rendered.At(25, 25).RGBA()
	// Fully transparent source should come out white, not black.
	assert.Greater(t, r, uint32(0xf000))
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))
}

func TestRenderAnnotationsRejectsGarbage(t *testing.T) {
	_, err := RenderAnnotations([]byte("not an image"), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestLabelFontCoversCyrillic(t *testing.T) {
	// The bundled face must be usable without any system fonts installed.
	face := labelFont()
	require.NotNil(t, face)

	drawer := &font.Drawer{Face: face}
	width := drawer.MeasureString("Поврежденный изолятор").Ceil()
	assert.Greater(t, width, 0)
}

func TestThumbnailLimitsLongestSide(t *testing.T) {
	src := encodeJPEG(t, 800, 600)

	out, err := Thumbnail(src, 400)
	require.NoError(t, err)

	thumb, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 400, thumb.Bounds().Dx())
	assert.Equal(t, 300, thumb.Bounds().Dy())
}

func TestThumbnailKeepsSmallImages(t *testing.T) {
	src := encodeJPEG(t, 100, 80)

	out, err := Thumbnail(src, 400)
	require.NoError(t, err)

	thumb, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, thumb.Bounds().Dx())
	assert.Equal(t, 80, thumb.Bounds().Dy())
}
