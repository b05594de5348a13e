package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/menta2k/photo-cropper/pkg/types"
)

// HTTPConfig configures an HTTPUploader
type HTTPConfig struct {
	URL            string `json:"url"`
	Field          string `json:"field"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// HTTPUploader posts files as multipart forms to an upload endpoint that answers
// with {"url": "..."}
type HTTPUploader struct {
	config     HTTPConfig
	httpClient *http.Client
}

type uploadResponse struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// NewHTTP creates an HTTPUploader
func NewHTTP(config HTTPConfig) *HTTPUploader {
	if config.Field == "" {
		config.Field = "photo"
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 30
	}
	return &HTTPUploader{
		config:     config,
		httpClient: &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
	}
}

// Upload sends the file and returns the URL reported by the server
func (u *HTTPUploader) Upload(ctx context.Context, file *types.File) (string, error) {
	if file == nil || len(file.Data) == 0 {
		return "", ErrEmptyFile
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, u.config.Field, file.Name))
	header.Set("Content-Type", file.MimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", fmt.Errorf("failed to write form part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.config.URL, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var out uploadResponse
	_ = json.Unmarshal(data, &out)
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("upload rejected (%d): %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response has no url")
	}
	return out.URL, nil
}
