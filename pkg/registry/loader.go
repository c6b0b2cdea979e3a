package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxImageBytes bounds a single reference image.
const maxImageBytes = 16 << 20

// ImageLoader fetches reference image bytes by URI.
type ImageLoader interface {
	Load(ctx context.Context, uri string) ([]byte, error)
}

// FileLoader reads bare paths and file:// URIs.
type FileLoader struct{}

// Load reads the file.
func (FileLoader) Load(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(uri, "file://")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference image: %w", err)
	}
	defer f.Close()

	return readLimited(f)
}

// ObjectGetter is the subset of the S3 client the loader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Loader reads s3://bucket/key URIs.
type S3Loader struct {
	client ObjectGetter
}

// NewS3Loader returns a loader over client.
func NewS3Loader(client ObjectGetter) *S3Loader {
	return &S3Loader{client: client}
}

// NewS3LoaderFromConfig builds an S3 client from the default credential
// chain and the configured region and endpoint.
func NewS3LoaderFromConfig(ctx context.Context, cfg config.S3Config) (*S3Loader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3Loader(client), nil
}

// Load fetches the object.
func (l *S3Loader) Load(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("invalid s3 uri: %s", uri)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, fmt.Errorf("invalid s3 uri: %s", uri)
	}

	resp, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return readLimited(resp.Body)
}

// SchemeLoader dispatches on the URI scheme.
type SchemeLoader struct {
	File ImageLoader
	S3   ImageLoader
}

// Load picks the loader for uri.
func (m SchemeLoader) Load(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		if m.S3 == nil {
			return nil, errors.New("s3 references need s3 settings")
		}
		return m.S3.Load(ctx, uri)
	case strings.Contains(uri, "://") && !strings.HasPrefix(uri, "file://"):
		return nil, fmt.Errorf("unsupported reference uri: %s", uri)
	default:
		if m.File == nil {
			return FileLoader{}.Load(ctx, uri)
		}
		return m.File.Load(ctx, uri)
	}
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read reference image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("reference image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}
