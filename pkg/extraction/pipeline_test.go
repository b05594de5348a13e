package extraction

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/menta2k/photo-cropper/pkg/job"
	"github.com/menta2k/photo-cropper/pkg/region"
)

func createTestImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func TestExtractBlitsOneToOne(t *testing.T) {
	src := createTestImage(400, 300)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := NewWithConfig(Config{Now: func() time.Time { return fixed }})

	var stages []job.State
	out, err := p.Extract(context.Background(), Request{
		Image:    src,
		Region:   region.Region{X: 40, Y: 30, Width: 100, Height: 50, Unit: region.NaturalPixel},
		Name:     "photo.png",
		MimeType: "image/png",
	}, func(s job.State) { stages = append(stages, s) })
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if out.Name != "photo.png" || out.MimeType != "image/png" || !out.LastModified.Equal(fixed) {
		t.Errorf("unexpected output identity: %s %s %v", out.Name, out.MimeType, out.LastModified)
	}
	if len(stages) != 2 || stages[0] != job.Extracting || stages[1] != job.Encoding {
		t.Errorf("Expected extracting then encoding, got %v", stages)
	}

	img, err := imaging.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("Expected 100x50 output, got %v", b)
	}

	for _, pt := range []image.Point{{0, 0}, {99, 49}, {50, 25}} {
		got := color.NRGBAModel.Convert(img.At(pt.X, pt.Y)).(color.NRGBA)
		want := src.(*image.NRGBA).NRGBAAt(pt.X+40, pt.Y+30)
		if got != want {
			t.Errorf("pixel %v: expected %v, got %v", pt, want, got)
		}
	}
}

func TestExtractJPEGAndWebP(t *testing.T) {
	src := createTestImage(200, 200)
	p := New()

	for _, mime := range []string{"image/jpeg", "image/jpg", "image/webp", "image/gif"} {
		out, err := p.Extract(context.Background(), Request{
			Image:    src,
			Region:   region.Region{X: 10, Y: 10, Width: 64, Height: 32, Unit: region.NaturalPixel},
			Name:     "x",
			MimeType: mime,
		}, nil)
		if err != nil {
			t.Fatalf("%s: Extract failed: %v", mime, err)
		}
		if out.MimeType != mime {
			t.Errorf("%s: output type changed to %s", mime, out.MimeType)
		}

		var img image.Image
		if mime == "image/webp" {
			img, err = webp.Decode(bytes.NewReader(out.Data))
		} else {
			img, err = imaging.Decode(bytes.NewReader(out.Data))
		}
		if err != nil {
			t.Fatalf("%s: failed to decode output: %v", mime, err)
		}
		if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 32 {
			t.Errorf("%s: expected 64x32, got %v", mime, b)
		}
	}
}

func TestExtractMissingSurface(t *testing.T) {
	p := NewWithConfig(Config{Allocator: func(int, int) draw.Image { return nil }})

	_, err := p.Extract(context.Background(), Request{
		Image:    createTestImage(50, 50),
		Region:   region.Region{Width: 10, Height: 10, Unit: region.NaturalPixel},
		MimeType: "image/png",
	}, nil)
	if !errors.Is(err, ErrMissingRenderSurface) {
		t.Errorf("Expected ErrMissingRenderSurface, got %v", err)
	}
}

func TestExtractEncodeFailures(t *testing.T) {
	req := Request{
		Image:  createTestImage(50, 50),
		Region: region.Region{Width: 10, Height: 10, Unit: region.NaturalPixel},
	}

	req.MimeType = "image/x-unknown"
	if _, err := New().Extract(context.Background(), req, nil); !errors.Is(err, ErrEncodeFailure) {
		t.Errorf("unknown type: expected ErrEncodeFailure, got %v", err)
	}

	req.MimeType = "image/png"
	empty := NewWithConfig(Config{Encoders: map[string]Encoder{
		"image/png": func(io.Writer, image.Image, int) error { return nil },
	}})
	if _, err := empty.Extract(context.Background(), req, nil); !errors.Is(err, ErrEncodeFailure) {
		t.Errorf("empty buffer: expected ErrEncodeFailure, got %v", err)
	}

	failing := NewWithConfig(Config{Encoders: map[string]Encoder{
		"image/png": func(io.Writer, image.Image, int) error { return errors.New("disk on fire") },
	}})
	if _, err := failing.Extract(context.Background(), req, nil); !errors.Is(err, ErrEncodeFailure) {
		t.Errorf("encoder error: expected ErrEncodeFailure, got %v", err)
	}
}

func TestExtractPassesQuality(t *testing.T) {
	var got int
	p := NewWithConfig(Config{Encoders: map[string]Encoder{
		"image/jpeg": func(w io.Writer, img image.Image, q int) error {
			got = q
			_, err := w.Write([]byte{1})
			return err
		},
	}})

	req := Request{
		Image:    createTestImage(20, 20),
		Region:   region.Region{Width: 10, Height: 10, Unit: region.NaturalPixel},
		MimeType: "image/jpeg",
	}
	if _, err := p.Extract(context.Background(), req, nil); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got != DefaultQuality {
		t.Errorf("Expected default quality %d, got %d", DefaultQuality, got)
	}
}

func TestExtractCancelledBetweenBlitAndEncode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	encoded := false
	p := NewWithConfig(Config{Encoders: map[string]Encoder{
		"image/png": func(io.Writer, image.Image, int) error {
			encoded = true
			return nil
		},
	}})

	_, err := p.Extract(ctx, Request{
		Image:    createTestImage(50, 50),
		Region:   region.Region{Width: 10, Height: 10, Unit: region.NaturalPixel},
		MimeType: "image/png",
	}, func(s job.State) {
		if s == job.Extracting {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if encoded {
		t.Error("Expected encoder not to run after cancellation")
	}
}

func TestExtractEmptyRegion(t *testing.T) {
	_, err := New().Extract(context.Background(), Request{
		Image:    createTestImage(50, 50),
		Region:   region.Region{X: 10, Y: 10, Unit: region.NaturalPixel},
		MimeType: "image/png",
	}, nil)
	if !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("Expected ErrEmptyRegion, got %v", err)
	}
}

func TestNormalizeMimeType(t *testing.T) {
	cases := map[string]string{
		"image/JPEG":                 "image/jpeg",
		"image/jpg":                  "image/jpeg",
		" image/png; charset=binary": "image/png",
		"image/webp":                 "image/webp",
	}
	for in, want := range cases {
		if got := NormalizeMimeType(in); got != want {
			t.Errorf("NormalizeMimeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func BenchmarkExtractJPEG(b *testing.B) {
	src := createTestImage(2000, 1500)
	p := New()
	req := Request{
		Image:    src,
		Region:   region.Region{X: 200, Y: 200, Width: 800, Height: 800, Unit: region.NaturalPixel},
		MimeType: "image/jpeg",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Extract(context.Background(), req, nil); err != nil {
			b.Fatal(err)
		}
	}
}
