// Package fetcher resolves import file references (blob keys, URLs, FTP and
// local paths) to readable streams.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Presigner signs blob GET requests. *s3.PresignClient implements it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config locates the blob store holding uploaded import files.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Presigner builds a presign client. Static keys are used when given,
// otherwise the default AWS credential chain. A custom endpoint switches to
// path-style addressing for S3-compatible stores.
func NewS3Presigner(ctx context.Context, cfg S3Config) (*s3.PresignClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return s3.NewPresignClient(client), nil
}

// Opener resolves a file reference to a stream:
//
//	s3://bucket/key or a bare key  presigned GET against the blob store
//	http(s)://...                   rate-limited GET with retries
//	ftp://...                       FTP retrieve
//	file:///path                    local file
type Opener struct {
	presign Presigner
	bucket  string
	expiry  time.Duration
	http    *HTTPFetcher
	ftp     *FTPFetcher
}

// NewOpener creates an Opener. presign may be nil when no blob store is
// configured; blob references then fail.
func NewOpener(presign Presigner, bucket string, expiry time.Duration, h *HTTPFetcher, f *FTPFetcher) *Opener {
	if expiry <= 0 {
		expiry = time.Hour
	}
	if h == nil {
		h = NewHTTPFetcher(HTTPOptions{})
	}
	if f == nil {
		f = NewFTPFetcher(0)
	}
	return &Opener{presign: presign, bucket: bucket, expiry: expiry, http: h, ftp: f}
}

// Open returns the contents of ref. The caller closes the stream.
func (o *Opener) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if ref == "" {
		return nil, eris.New("fetcher: empty file reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse reference %q", ref)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return o.http.Download(ctx, ref)
	case "ftp":
		return o.ftp.Download(ctx, ref)
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: open local file")
		}
		return f, nil
	case "s3":
		return o.openBlob(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "":
		return o.openBlob(ctx, o.bucket, strings.TrimPrefix(ref, "/"))
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

func (o *Opener) openBlob(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if o.presign == nil {
		return nil, eris.New("fetcher: no blob store configured")
	}
	if bucket == "" || key == "" {
		return nil, eris.Errorf("fetcher: blob reference needs bucket and key (bucket=%q key=%q)", bucket, key)
	}

	req, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(o.expiry))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: presign %s/%s", bucket, key)
	}
	zap.L().Debug("fetcher: presigned blob url", zap.String("bucket", bucket), zap.String("key", key))
	return o.http.Download(ctx, req.URL)
}
