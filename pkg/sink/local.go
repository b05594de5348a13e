package sink

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/menta2k/photo-cropper/internal/utils"
	"github.com/menta2k/photo-cropper/pkg/types"
)

// LocalConfig configures a LocalUploader
type LocalConfig struct {
	Dir       string `json:"dir"`
	URLPrefix string `json:"url_prefix"`
}

// LocalUploader writes files into a directory served under URLPrefix
type LocalUploader struct {
	config  LocalConfig
	allowed []string
	now     func() time.Time
}

// NewLocal creates a LocalUploader
func NewLocal(config LocalConfig, allowed []string) *LocalUploader {
	return &LocalUploader{config: config, allowed: allowed, now: time.Now}
}

// Upload stores the file as <unix>_<name> and returns its URL
func (u *LocalUploader) Upload(ctx context.Context, file *types.File) (string, error) {
	if err := ValidateFile(file, u.allowed); err != nil {
		return "", err
	}
	if err := utils.EnsureDir(u.config.Dir); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	name := objectName(file.Name, u.now())
	dst := filepath.Join(u.config.Dir, name)
	if err := os.WriteFile(dst, file.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	log.Ctx(ctx).Info().Str("path", dst).Str("size", utils.FormatFileSize(file.Size())).Msg("file saved")
	return path.Join("/", u.config.URLPrefix, name), nil
}
