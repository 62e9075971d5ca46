package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// S3Config is the options struct an S3Store is constructed from,
// grounded on pkg/drivers/s3's Config.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// S3Store is an object-storage Store implementation. Atomicity is
// realized without a rename primitive: a write goes to "<key>.tmp",
// then a server-side CopyObject publishes it at the final key (S3
// guarantees a GET of that key never observes a partial body), then the
// temp object is deleted. A crash between copy and delete leaves an
// orphaned .tmp object, filtered out by ListKeys exactly like FileStore.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, pkgerrors.ConfigErrorf("s3 blob store requires a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Config, err, "loading aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "https"
			if !cfg.UseSSL {
				scheme = "http"
			}
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, cfg.Endpoint))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	slog.Info("s3 blob store initialized", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint, "region", cfg.Region)
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

type s3Writer struct {
	store *S3Store
	key   string
	tmp   string
	buf   bytes.Buffer
}

func (s *S3Store) OpenWriter(key string) (Writer, error) {
	return &s3Writer{store: s, key: key, tmp: key + ".tmp"}, nil
}

func (w *s3Writer) WriteRecord(rec []byte) error {
	return writeLengthPrefixed(&w.buf, rec)
}

func (w *s3Writer) Close() error {
	ctx := context.Background()
	_, err := w.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.store.bucket),
		Key:    aws.String(w.tmp),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "uploading %s", w.tmp)
	}
	copySource := w.store.bucket + "/" + w.tmp
	_, err = w.store.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(w.store.bucket),
		Key:        aws.String(w.key),
		CopySource: aws.String(copySource),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "committing %s via copy", w.key)
	}
	_, err = w.store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(w.store.bucket),
		Key:    aws.String(w.tmp),
	})
	if err != nil {
		slog.Warn("failed to remove temp object after commit", "key", w.tmp, "error", err)
	}
	return nil
}

func (s *S3Store) Exists(key string) (bool, error) {
	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
		return false, nil
	}
	return false, pkgerrors.Wrap(pkgerrors.Io, err, "head %s", key)
}

func (s *S3Store) Read(key string, handle func(io.Reader) error) error {
	out, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "getting %s", key)
	}
	defer out.Body.Close()
	return handle(out.Body)
}

func (s *S3Store) ListKeys(prefix string) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Io, err, "listing %s", prefix)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, ".tmp") {
				continue
			}
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *S3Store) ListRunIDs(afterRunID string) ([]string, error) {
	keys, err := s.ListKeys("")
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var ids []string
	for _, k := range keys {
		slash := strings.IndexByte(k, '/')
		if slash < 0 {
			continue
		}
		runID := k[:slash]
		if _, ok := seen[runID]; ok {
			continue
		}
		seen[runID] = struct{}{}
		if afterRunID == "" || runID > afterRunID {
			ids = append(ids, runID)
		}
	}
	SortRunIDsByTimestampPrefix(ids)
	return ids, nil
}

func (s *S3Store) Close() error { return nil }

var _ Store = (*S3Store)(nil)
