// Package storage uploads finished recordings and transcripts to S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/GriffinCanCode/zoomrec/internal/config"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/trace"
)

var contentTypes = map[string]string{
	".mp3": "audio/mpeg",
	".txt": "text/plain; charset=utf-8",
	".log": "text/plain; charset=utf-8",
}

// PutAPI is the part of manager.Uploader the store uses.
type PutAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Config selects the destination. Upload is disabled when Bucket is empty.
type Config struct {
	Bucket string
	Prefix string
	Region string
}

// ConfigFrom extracts the upload settings.
func ConfigFrom(c *config.Config) Config {
	return Config{Bucket: c.S3Bucket, Prefix: c.S3Prefix, Region: c.S3Region}
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

// Store uploads files into one bucket under a prefix.
type Store struct {
	cfg Config
	api PutAPI
}

// New builds a store from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if !cfg.Enabled() {
		return nil, apperrors.New(apperrors.CodeConfigInvalid, "s3 bucket is not configured")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "load aws config")
	}
	return NewWithAPI(cfg, manager.NewUploader(s3.NewFromConfig(awsCfg))), nil
}

// NewWithAPI creates a store over an existing uploader.
func NewWithAPI(cfg Config, api PutAPI) *Store {
	return &Store{cfg: cfg, api: api}
}

// Key is the object key a local file is stored under.
func (s *Store) Key(local string) string {
	return path.Join(strings.Trim(s.cfg.Prefix, "/"), filepath.Base(local))
}

// Upload stores each file and returns the s3:// URIs written. Files that do
// not exist are skipped; a failed upload does not stop the others.
func (s *Store) Upload(ctx context.Context, paths ...string) ([]string, error) {
	ctx, span := trace.StartSpan(ctx, "upload_artifacts")
	defer span.End()
	log := trace.Logger(ctx).With("bucket", s.cfg.Bucket)

	var (
		uris []string
		errs []error
	)
	for _, p := range paths {
		uri, err := s.put(ctx, p)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn("artifact missing, not uploaded", "path", p)
		case err != nil:
			errs = append(errs, err)
		default:
			log.Info("artifact uploaded", "path", p, "uri", uri)
			uris = append(uris, uri)
		}
	}
	span.SetAttr("uploaded", len(uris))
	if len(errs) > 0 {
		return uris, apperrors.Wrap(errors.Join(errs...), apperrors.CodeUnavailable, "upload artifacts").
			WithMetadata("bucket", s.cfg.Bucket)
	}
	return uris, nil
}

func (s *Store) put(ctx context.Context, local string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := s.Key(local)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct, ok := contentTypes[filepath.Ext(local)]; ok {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.api.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(local), err)
	}
	return "s3://" + s.cfg.Bucket + "/" + key, nil
}
