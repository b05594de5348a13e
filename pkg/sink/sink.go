// Package sink hands produced crop files to their destination: a local uploads
// directory, an S3-compatible bucket or a remote upload endpoint.
package sink

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/menta2k/photo-cropper/internal/utils"
	"github.com/menta2k/photo-cropper/pkg/types"
)

var (
	ErrEmptyFile            = errors.New("file is empty")
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrUnknownType          = errors.New("unknown sink type")
)

// Uploader stores a file and returns the URL it can be fetched from
type Uploader interface {
	Upload(ctx context.Context, file *types.File) (string, error)
}

// DefaultAllowedExtensions lists the image extensions accepted for upload
var DefaultAllowedExtensions = []string{"jpg", "jpeg", "png", "gif", "webp"}

// Sink types accepted by Config.Type
const (
	TypeNone  = "none"
	TypeLocal = "local"
	TypeMinio = "minio"
	TypeHTTP  = "http"
)

// Config selects and configures an Uploader
type Config struct {
	Type              string      `json:"type"`
	AllowedExtensions []string    `json:"allowed_extensions"`
	Local             LocalConfig `json:"local"`
	Minio             MinioConfig `json:"minio"`
	HTTP              HTTPConfig  `json:"http"`
}

// DefaultConfig stores uploads under ./public/uploads
func DefaultConfig() Config {
	return Config{
		Type:              TypeLocal,
		AllowedExtensions: slices.Clone(DefaultAllowedExtensions),
		Local: LocalConfig{
			Dir:       "./public/uploads",
			URLPrefix: "/uploads",
		},
		Minio: MinioConfig{
			Endpoint: "localhost:9000",
			Bucket:   "crops",
			Region:   "us-east-1",
		},
		HTTP: HTTPConfig{
			URL:            "http://localhost:8080/upload",
			Field:          "photo",
			TimeoutSeconds: 30,
		},
	}
}

// New builds the configured Uploader. TypeNone returns a Discard uploader.
func New(ctx context.Context, cfg Config) (Uploader, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeNone:
		return Discard{}, nil
	case TypeLocal:
		return NewLocal(cfg.Local, cfg.AllowedExtensions), nil
	case TypeMinio:
		return NewMinio(ctx, cfg.Minio, cfg.AllowedExtensions)
	case TypeHTTP:
		return NewHTTP(cfg.HTTP), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// Discard accepts every file and stores nothing
type Discard struct{}

func (Discard) Upload(context.Context, *types.File) (string, error) {
	return "", nil
}

// ValidateFile checks the file has content and an allowed extension. An empty
// allow-list accepts DefaultAllowedExtensions.
func ValidateFile(file *types.File, allowed []string) error {
	if file == nil || len(file.Data) == 0 {
		return ErrEmptyFile
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowedExtensions
	}
	ext := utils.GetFileExtension(file.Name)
	if !slices.Contains(allowed, ext) {
		return fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}
	return nil
}

// objectName prefixes the sanitized base name with the unix time
func objectName(name string, now time.Time) string {
	return fmt.Sprintf("%d_%s", now.Unix(), utils.SanitizeFilename(filepath.Base(name)))
}
