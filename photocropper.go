// Package photocropper crops photos the way an interactive cropping tool does:
// the user's rectangle is drawn against a scaled-down rendition of the image and
// the crop is cut from the full-resolution original.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		photocropper "github.com/menta2k/photo-cropper"
//		"github.com/menta2k/photo-cropper/pkg/region"
//	)
//
//	func main() {
//		cropper := photocropper.New()
//
//		file, err := photocropper.LoadFile("photo.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		// 200x200 square at the top left of the 500px preview
//		r := region.Region{X: 0, Y: 0, Width: 200, Height: 200, Unit: region.DisplayPixel}
//		crop, err := cropper.Crop(context.Background(), file, r)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		if err := photocropper.SaveFile(crop, "photo_crop.jpg"); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The package consists of these components:
//
// 1. Region (pkg/region): coordinate spaces and the display-to-natural mapping
// 2. Selection (pkg/selection): the constrained crop rectangle
// 3. Extraction (pkg/extraction): native-resolution blit and encode
// 4. Session (pkg/session): one crop from load to delivery
// 5. Suggest (pkg/suggest): optional initial crop from saliency or a vision model
// 6. Sink (pkg/sink): upload of produced crops
package photocropper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/menta2k/photo-cropper/internal/utils"
	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/selection"
	"github.com/menta2k/photo-cropper/pkg/session"
	"github.com/menta2k/photo-cropper/pkg/types"
)

// Version of the photo cropper library
const Version = "1.0.0"

// ErrRegionRejected is returned when the requested region cannot satisfy the
// selection constraints
var ErrRegionRejected = errors.New("crop region rejected by selection constraints")

// Cropper runs one-shot crop sessions
type Cropper struct {
	config session.Config
}

// New creates a Cropper with the default crop policy
func New() *Cropper {
	return &Cropper{config: session.DefaultConfig()}
}

// NewWithConfig creates a Cropper with a custom session configuration
func NewWithConfig(config session.Config) *Cropper {
	return &Cropper{config: config}
}

// Crop opens a session for file, applies r and waits for the extracted file.
// An empty r keeps the initial selection, which is the suggested crop when a
// Suggester is configured. Cancelling ctx cancels the session.
func (c *Cropper) Crop(ctx context.Context, file *types.File, r region.Region) (*types.File, error) {
	type outcome struct {
		file *types.File
		err  error
	}
	done := make(chan outcome, 1)

	sess, err := session.New(ctx, file, session.Callbacks{
		OnComplete: func(f *types.File) { done <- outcome{file: f} },
		OnError:    func(err error) { done <- outcome{err: err} },
	}, c.config)
	if err != nil {
		return nil, err
	}
	defer sess.Wait()

	if !r.Empty() && !sess.Update(r, selection.AnchorNone) {
		sess.Cancel()
		return nil, fmt.Errorf("%w: %s", ErrRegionRejected, r)
	}
	if _, err := sess.Commit(); err != nil {
		sess.Cancel()
		return nil, err
	}
	if _, err := sess.Confirm(ctx); err != nil {
		sess.Cancel()
		return nil, err
	}

	select {
	case out := <-done:
		if out.err != nil {
			sess.Cancel()
		}
		return out.file, out.err
	case <-ctx.Done():
		sess.Cancel()
		return nil, ctx.Err()
	}
}

// Crop crops file with the default crop policy
func Crop(ctx context.Context, file *types.File, r region.Region) (*types.File, error) {
	return New().Crop(ctx, file, r)
}

// LoadFile reads an image file from disk, detecting its MIME type from content
func LoadFile(path string) (*types.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &types.File{
		Name:         filepath.Base(path),
		MimeType:     mimetype.Detect(data).String(),
		Data:         data,
		LastModified: info.ModTime(),
	}, nil
}

// SaveFile writes f to path, creating parent directories
func SaveFile(f *types.File, path string) error {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, f.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
