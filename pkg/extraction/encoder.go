package extraction

import (
	"image"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Encoder writes img to w at the given quality (0-100). Lossless formats ignore quality.
type Encoder func(w io.Writer, img image.Image, quality int) error

func imagingEncoder(format imaging.Format) Encoder {
	return func(w io.Writer, img image.Image, quality int) error {
		if format == imaging.JPEG {
			return imaging.Encode(w, img, format, imaging.JPEGQuality(quality))
		}
		return imaging.Encode(w, img, format)
	}
}

func encodeWebP(w io.Writer, img image.Image, quality int) error {
	return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
}

// DefaultEncoders returns the encoders registered on a new Pipeline, keyed by MIME type
func DefaultEncoders() map[string]Encoder {
	return map[string]Encoder{
		"image/jpeg": imagingEncoder(imaging.JPEG),
		"image/png":  imagingEncoder(imaging.PNG),
		"image/gif":  imagingEncoder(imaging.GIF),
		"image/bmp":  imagingEncoder(imaging.BMP),
		"image/tiff": imagingEncoder(imaging.TIFF),
		"image/webp": encodeWebP,
	}
}

var mimeAliases = map[string]string{
	"image/jpg":      "image/jpeg",
	"image/pjpeg":    "image/jpeg",
	"image/x-png":    "image/png",
	"image/x-bmp":    "image/bmp",
	"image/x-ms-bmp": "image/bmp",
}

// NormalizeMimeType lowercases t, strips parameters and resolves common aliases
func NormalizeMimeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if alias, ok := mimeAliases[t]; ok {
		return alias
	}
	return t
}
