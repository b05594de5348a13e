// Package suggest proposes an initial crop rectangle for an image, either by asking a
// vision model where the primary subject is or by a local saliency search.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/types"
)

var (
	ErrNoSubject      = errors.New("no subject detected")
	ErrUnknownBackend = errors.New("unknown suggestion backend")
	ErrNotVision      = errors.New("suggestion backend is not a vision model")
)

// Suggester proposes a starting crop in relative units
type Suggester interface {
	Suggest(ctx context.Context, img image.Image) (region.Region, error)
}

// VisionClient talks to a vision-capable model server
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}

// Backend names accepted by Config.Backend
const (
	BackendNone     = "none"
	BackendSaliency = "saliency"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// Config selects and configures a suggestion backend
type Config struct {
	Backend string `json:"backend"`
	URL     string `json:"url"`
	Model   string `json:"model"`
	// MaxDim bounds the longer side of the image sent to a model
	MaxDim int `json:"max_dim"`
	// Prompt replaces DefaultPrompt when set
	Prompt string `json:"prompt,omitempty"`
}

// DefaultConfig disables suggestion; sessions start from the centred default region
func DefaultConfig() Config {
	return Config{
		Backend: BackendNone,
		URL:     "http://localhost:11434",
		Model:   "qwen2.5vl:7b",
		MaxDim:  512,
	}
}

// New builds the configured Suggester. BackendNone returns nil with no error.
func New(cfg Config) (Suggester, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return nil, nil
	case BackendSaliency:
		return NewSaliency(), nil
	case BackendOllama, BackendLlamaCpp:
		return NewVisionFromConfig(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewVisionFromConfig builds the vision suggester for a model backend
func NewVisionFromConfig(cfg Config) (*VisionSuggester, error) {
	var (
		client VisionClient
		err    error
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendOllama:
		client, err = NewOllamaClient(cfg.URL)
	case BackendLlamaCpp:
		client, err = NewLlamaCppClient(cfg.URL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotVision, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	v := NewVision(client, cfg.Model, cfg.MaxDim)
	if cfg.Prompt != "" {
		v = v.WithPrompt(cfg.Prompt)
	}
	return v, nil
}

// boxToRegion converts a normalized [0,1] box to a relative region
func boxToRegion(b types.Box) region.Region {
	return region.Region{
		X:      b.X * 100,
		Y:      b.Y * 100,
		Width:  b.W * 100,
		Height: b.H * 100,
		Unit:   region.Relative,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
