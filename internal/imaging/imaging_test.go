package imaging

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	stdimaging "github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/imagevault/imagevault/internal/model"
)

func solidJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, stdimaging.Encode(&buf, img, stdimaging.JPEG))

	return buf.Bytes()
}

func TestProcessPreservesSmallImages(t *testing.T) {
	src := solidJPEG(t, 50, 50)

	artifact, err := Process(src, model.JobSettings{TargetWidth: 200, TargetHeight: 200, Quality: 80, Format: "jpeg"})
	require.NoError(t, err)
	require.Equal(t, 50, artifact.Width)
	require.Equal(t, 50, artifact.Height)
}

func TestProcessResizesLargeImages(t *testing.T) {
	src := solidJPEG(t, 800, 600)

	artifact, err := Process(src, model.JobSettings{TargetWidth: 200, TargetHeight: 200, Quality: 90, Format: "jpeg"})
	require.NoError(t, err)
	require.LessOrEqual(t, artifact.Width, 200)
	require.LessOrEqual(t, artifact.Height, 200)
}

func TestCeilingForBPP(t *testing.T) {
	require.Equal(t, 95, ceilingForBPP(3))
	require.Equal(t, 85, ceilingForBPP(1.5))
	require.Equal(t, 75, ceilingForBPP(0.6))
	require.Equal(t, 60, ceilingForBPP(0.1))
}

func TestProcessUnsupportedFormat(t *testing.T) {
	src := solidJPEG(t, 20, 20)

	_, err := Process(src, model.JobSettings{TargetWidth: 10, TargetHeight: 10, Format: "tiff"})
	require.Error(t, err)
}

func TestProcessOriginalFormatPassesThroughBytes(t *testing.T) {
	src := solidJPEG(t, 30, 30)

	artifact, err := Process(src, model.JobSettings{Format: "original"})
	require.NoError(t, err)
	require.Equal(t, src, artifact.Bytes)
}

func TestProcessEncodesWebp(t *testing.T) {
	src := solidJPEG(t, 120, 90)

	artifact, err := Process(src, model.JobSettings{TargetWidth: 60, TargetHeight: 60, Quality: 80, Format: "webp"})
	require.NoError(t, err)
	require.Equal(t, "webp", artifact.Format)
	require.NotEmpty(t, artifact.Bytes)
}
