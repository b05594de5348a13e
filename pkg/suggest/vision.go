package suggest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/types"
)

// DefaultPrompt asks a vision model for the primary subject box as normalized JSON
const DefaultPrompt = `You are an image subject locator.

Return JSON only:
{
  "primary": {
    "label": "string",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
    "cx": 0.0,
    "cy": 0.0
  },
  "description": "short neutral sentence (at most 20 words)",
  "tags": ["tag1", "tag2", "tag3"]
}

RULES
- All coordinates are normalized to [0,1] (NOT pixels).
- The box should tightly include the visually dominant subject (prefer people, animals, vehicles; else the most central salient object).
- Leave some headroom around faces; the box will be used as the starting crop for a profile photo.
- If no subject is found, return:
  {"primary":{"label":"none","confidence":0.0,"box":{"x":0.25,"y":0.25,"w":0.50,"h":0.50},"cx":0.5,"cy":0.5},"description":"generic scene","tags":["generic"]}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// MinConfidence is the confidence below which a detection is ignored
const MinConfidence = 0.2

var fallbackIndicators = []string{"unclear", "empty", "parse", "error", "fallback", "non-json", "generic"}

// VisionSuggester suggests the primary subject box reported by a vision model
type VisionSuggester struct {
	client VisionClient
	model  string
	maxDim int
	prompt string
}

// NewVision creates a suggester that queries model through client. Images are
// downscaled so their longer side is at most maxDim before they are sent.
func NewVision(client VisionClient, model string, maxDim int) *VisionSuggester {
	return &VisionSuggester{client: client, model: model, maxDim: maxDim, prompt: DefaultPrompt}
}

// WithPrompt replaces the detection prompt
func (v *VisionSuggester) WithPrompt(prompt string) *VisionSuggester {
	v.prompt = prompt
	return v
}

// Suggest returns the detected subject box. A missing, low-confidence or fallback
// detection is reported as ErrNoSubject.
func (v *VisionSuggester) Suggest(ctx context.Context, img image.Image) (region.Region, error) {
	imgB64, err := prepareImage(img, v.maxDim, 85)
	if err != nil {
		return region.Region{}, fmt.Errorf("failed to prepare image: %w", err)
	}

	result, err := v.client.AnalyzeImage(ctx, v.model, v.prompt, imgB64)
	if err != nil {
		return region.Region{}, err
	}
	result = validateResult(result)

	log.Ctx(ctx).Debug().
		Str("label", result.Primary.Label).
		Float64("confidence", result.Primary.Confidence).
		Strs("tags", result.Tags).
		Msg("vision model detection")

	if strings.EqualFold(result.Primary.Label, "none") || result.Primary.Confidence < MinConfidence {
		return region.Region{}, ErrNoSubject
	}
	if result.Primary.Box.W <= 0 || result.Primary.Box.H <= 0 {
		return region.Region{}, ErrNoSubject
	}
	return boxToRegion(result.Primary.Box), nil
}

// Describe asks the model for a short free-form description of img. It is used to check
// that the configured model accepts images at all.
func (v *VisionSuggester) Describe(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := prepareImage(img, v.maxDim, 85)
	if err != nil {
		return "", err
	}
	return v.client.SimpleQuery(ctx, v.model, "What do you see in this image? Describe it briefly.", imgB64)
}

// prepareImage downscales img to maxDim and returns it as base64 JPEG
func prepareImage(img image.Image, maxDim, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		if b.Dx() > maxDim || b.Dy() > maxDim {
			if b.Dx() >= b.Dy() {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// validateResult clamps the box into the unit square, cleans tags and marks
// fallback replies as "none"
func validateResult(result *types.AnalysisResult) *types.AnalysisResult {
	result.Primary.Box = normalizeBox(result.Primary.Box)
	result.Tags = normalizeTags(result.Tags)

	if strings.EqualFold(result.Primary.Label, "none") {
		return result
	}

	label := strings.ToLower(result.Primary.Label)
	desc := strings.ToLower(result.Description)
	for _, indicator := range fallbackIndicators {
		if strings.Contains(label, indicator) || strings.Contains(desc, indicator) {
			result.Primary.Label = "none"
			result.Primary.Confidence = 0
			break
		}
	}
	return result
}

func normalizeBox(b types.Box) types.Box {
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 5)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == 5 {
			break
		}
	}
	return out
}
