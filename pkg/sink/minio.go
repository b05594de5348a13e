package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/menta2k/photo-cropper/pkg/types"
)

// MinioConfig configures a MinioUploader
type MinioConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
	// PublicURL is the base of returned object URLs; defaults to the endpoint
	PublicURL string `json:"public_url"`
}

// objectStore is the subset of *minio.Client used by MinioUploader
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioUploader stores files in an S3-compatible bucket
type MinioUploader struct {
	client    objectStore
	bucket    string
	publicURL string
	allowed   []string
	now       func() time.Time
}

// NewMinio connects to the endpoint and makes sure the bucket exists
func NewMinio(ctx context.Context, cfg MinioConfig, allowed []string) (*MinioUploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = client.EndpointURL().String()
	}
	return newMinioWithClient(ctx, client, cfg.Bucket, cfg.Region, publicURL, allowed)
}

func newMinioWithClient(ctx context.Context, client objectStore, bucket, region, publicURL string, allowed []string) (*MinioUploader, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		log.Ctx(ctx).Info().Str("bucket", bucket).Msg("created bucket")
	}

	return &MinioUploader{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		allowed:   allowed,
		now:       time.Now,
	}, nil
}

// Upload puts the file as <unix>_<name> with its MIME type as content type
func (u *MinioUploader) Upload(ctx context.Context, file *types.File) (string, error) {
	if err := ValidateFile(file, u.allowed); err != nil {
		return "", err
	}

	name := objectName(file.Name, u.now())
	info, err := u.client.PutObject(ctx, u.bucket, name, bytes.NewReader(file.Data), file.Size(), minio.PutObjectOptions{
		ContentType: file.MimeType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}

	log.Ctx(ctx).Info().Str("bucket", u.bucket).Str("object", name).Str("etag", info.ETag).Msg("object uploaded")
	return fmt.Sprintf("%s/%s/%s", u.publicURL, u.bucket, name), nil
}
