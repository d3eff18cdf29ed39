// Package storage archives generated images in an S3 compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

// ObjectPutter is the part of *s3.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archive struct {
	cfg    Config
	client ObjectPutter
	now    func() time.Time
}

func NewArchive(cfg Config) (*Archive, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return newArchive(cfg, s3.New(options)), nil
}

func newArchive(cfg Config, client ObjectPutter) *Archive {
	if cfg.Prefix == "" {
		cfg.Prefix = "generations"
	}
	return &Archive{cfg: cfg, client: client, now: time.Now}
}

func (c Config) validate() error {
	var missing []string
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		missing = append(missing, "credentials")
	}
	if c.PublicBaseURL == "" {
		missing = append(missing, "public base url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("s3 archive: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Store uploads every image and returns their public URLs in the same order.
// It stops at the first failed upload.
func (a *Archive) Store(ctx context.Context, images [][]byte, contentType string) ([]string, error) {
	urls := make([]string, 0, len(images))
	for _, data := range images {
		url, err := a.put(ctx, data, contentType)
		if err != nil {
			return urls, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func (a *Archive) put(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("no data to upload")
	}
	if contentType == "" {
		contentType = "image/png"
	}

	key := a.objectKey(contentType)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/" + key, nil
}

// objectKey lays objects out as <prefix>/YYYY/MM/DD/<uuid><ext>.
func (a *Archive) objectKey(contentType string) string {
	now := a.now().UTC()
	prefix := strings.Trim(a.cfg.Prefix, "/")
	return path.Join(prefix, now.Format("2006/01/02"), uuid.NewString()+extensionFromContentType(contentType))
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
