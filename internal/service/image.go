package service

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/itsuppartem/telegram-image2life/internal/gemini"
)

const flattenedJPEGQuality = 95

// normalizeSourceImage checks that data is a JPEG, PNG or GIF drawing and
// returns it ready for the generator. Images with transparency are flattened
// onto a white background and re-encoded as JPEG.
func normalizeSourceImage(data []byte) (gemini.Image, error) {
	if len(data) == 0 {
		return gemini.Image{}, ErrEmptyImage
	}

	ct := http.DetectContentType(data)
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	switch ct {
	case "image/jpeg", "image/png", "image/gif":
	default:
		return gemini.Image{}, fmt.Errorf("%w: unsupported content type %s", ErrInvalidImage, ct)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return gemini.Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if isOpaque(img) {
		return gemini.Image{Data: data, MimeType: ct}, nil
	}

	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.White, image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: flattenedJPEGQuality}); err != nil {
		return gemini.Image{}, fmt.Errorf("re-encode source image: %w", err)
	}
	return gemini.Image{Data: buf.Bytes(), MimeType: "image/jpeg"}, nil
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}
