// Package remote publishes experiment directories to an S3 bucket.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/signalnine/orruns/internal/config"
	"github.com/signalnine/orruns/internal/logging"
	"github.com/signalnine/orruns/internal/result"
	"go.uber.org/zap"
)

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Publisher struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewPublisher wraps an existing client.
func NewPublisher(client ObjectPutter, bucket, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.OrNop(logger),
	}
}

// NewS3 builds a Publisher from the default AWS credential chain.
func NewS3(ctx context.Context, cfg config.Publish, logger *zap.Logger) (*Publisher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("publish.bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewPublisher(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// Key returns the object key for a file at rel inside experiment.
func (p *Publisher) Key(experiment, rel string) string {
	return path.Join(p.prefix, experiment, filepath.ToSlash(rel))
}

// Publish uploads every regular file of an experiment directory and returns
// the uploaded keys. Symlinks such as _merged/latest are skipped.
func (p *Publisher) Publish(ctx context.Context, baseDir, experiment string) ([]string, error) {
	root := result.ExperimentDir(baseDir, experiment)
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("experiment %s: %w", experiment, err)
	}
	var keys []string
	err := filepath.WalkDir(root, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		key := p.Key(experiment, rel)
		if err := p.upload(ctx, file, key); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return keys, fmt.Errorf("publishing %s: %w", experiment, err)
	}
	p.logger.Info("published experiment",
		zap.String("experiment", experiment),
		zap.String("bucket", p.bucket),
		zap.Int("objects", len(keys)))
	return keys, nil
}

func (p *Publisher) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if ct := contentType(file); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := p.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", p.bucket, key, err)
	}
	p.logger.Debug("uploaded object", zap.String("key", key), zap.Int64("bytes", info.Size()))
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	}
	return mime.TypeByExtension(filepath.Ext(file))
}
