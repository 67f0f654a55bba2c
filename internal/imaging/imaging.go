// Package imaging implements the C2 Image Processor: a pure, stateless
// decode -> operation pipeline -> encode function, grounded on the
// decode/process/encode split of the other_examples thumbnail handler
// (ThumbnailHandler.ServeHTTP calling processor.CreateThumbnail), stripped
// of that handler's HTTP-serving and caching concerns - those belong to
// C1/C6, not here.
package imaging

import (
	"bytes"
	"image"
	"net/http"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/model"
)

// Artifact is the output of Process: encoded bytes plus the metadata the
// caller persists alongside an ImageRef.
type Artifact struct {
	Bytes  []byte
	Format string
	Width  int
	Height int
}

// ErrAnimatedMismatch is returned when Process is asked to re-encode a
// source that is animated (animated GIF/WebP) for a cache job that did not
// request format=original, instead of producing a broken still frame. The
// error is not retryable: the thumbnail and cache workers count the item as
// failed, and no message is re-published with format "original".
var ErrAnimatedMismatch = errors.New("source is animated; re-encoding as a still image would corrupt it")

// qualityCeiling maps bytes-per-pixel density of the source to a quality
// ceiling (spec §4.2 "Rule 1"). These thresholds are given directly by the
// spec; they're treated here as a tunable table rather than hardcoded
// inline, per the Open Question's resolution that implementers may expose
// them as configuration without changing default behavior.
var qualityCeiling = []struct {
	minBPP  float64
	ceiling int
}{
	{minBPP: 2, ceiling: 95},
	{minBPP: 1, ceiling: 85},
	{minBPP: 0.5, ceiling: 75},
	{minBPP: 0, ceiling: 60},
}

func ceilingForBPP(bpp float64) int {
	for _, row := range qualityCeiling {
		if bpp >= row.minBPP {
			return row.ceiling
		}
	}

	return qualityCeiling[len(qualityCeiling)-1].ceiling
}

// Process decodes src, applies the quality policy of spec §4.2, and
// re-encodes according to settings. It never touches a store, a broker, or
// the filesystem - every input is a byte slice, every output is a byte
// slice, matching the "pure, stateless" contract of C2.
func Process(src []byte, settings model.JobSettings) (Artifact, error) {
	if isAnimated(src) && !settings.PreserveAnimation && settings.Format != "original" {
		return Artifact{}, ErrAnimatedMismatch
	}

	if settings.Format == "original" || (isAnimated(src) && settings.PreserveAnimation) {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(src))
		if err != nil {
			return Artifact{}, errs.Wrap(errs.KindDecode, err, "decode config")
		}

		return Artifact{Bytes: src, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
	}

	src0, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return Artifact{}, errs.Wrap(errs.KindDecode, err, "decode image")
	}

	bounds := src0.Bounds()
	sourceWidth, sourceHeight := bounds.Dx(), bounds.Dy()

	quality := settings.Quality
	if quality <= 0 || quality > 100 {
		quality = 100
	}

	out := src0

	// Rule 2: preserve small images - no upscaling, re-encode at quality
	// 100 instead of resizing.
	if sourceWidth <= settings.TargetWidth && sourceHeight <= settings.TargetHeight {
		quality = 100
	} else {
		if settings.TargetWidth > 0 && settings.TargetHeight > 0 {
			out = imaging.Fit(src0, settings.TargetWidth, settings.TargetHeight, imaging.Lanczos)
		}

		// Rule 1: bytes-per-pixel ceiling, computed against the *source*
		// bytes/dimensions, not the resized output.
		bpp := float64(len(src)) / float64(sourceWidth*sourceHeight)
		if ceiling := ceilingForBPP(bpp); quality > ceiling {
			quality = ceiling
		}
	}

	encoded, format, err := encode(out, settings.Format, quality)
	if err != nil {
		return Artifact{}, err
	}

	outBounds := out.Bounds()

	return Artifact{Bytes: encoded, Format: format, Width: outBounds.Dx(), Height: outBounds.Dy()}, nil
}

func encode(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer

	switch format {
	case "png":
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", errs.Wrap(errs.KindEncode, err, "encode png")
		}

		return buf.Bytes(), "png", nil
	case "jpeg", "":
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, "", errs.Wrap(errs.KindEncode, err, "encode jpeg")
		}

		return buf.Bytes(), "jpeg", nil
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, "", errs.Wrap(errs.KindEncode, err, "encode webp")
		}

		return buf.Bytes(), "webp", nil
	default:
		return nil, "", errs.New(errs.KindUnsupportedFormat, "unsupported output format: "+format)
	}
}

// isAnimated sniffs whether src is an animated GIF or animated WebP. GIF
// detection counts Graphic Control Extension blocks (0x21 0xF9); a true
// animated WebP check would require parsing ANIM/ANMF chunks, so this
// sniff is conservative and treats any WebP carrying an ANIM chunk tag as
// animated.
func isAnimated(src []byte) bool {
	ct := http.DetectContentType(src)

	switch {
	case ct == "image/gif":
		return countGIFFrames(src) > 1
	case ct == "image/webp":
		return bytes.Contains(src, []byte("ANIM"))
	default:
		return false
	}
}

func countGIFFrames(src []byte) int {
	frames := 0

	for i := 0; i+1 < len(src); i++ {
		if src[i] == 0x21 && src[i+1] == 0xF9 {
			frames++
		}

		if frames > 1 {
			return frames
		}
	}

	return frames
}
