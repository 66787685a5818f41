// Package archive uploads closed recordings to S3, the domain
// extension named in SPEC_FULL.md §3 and grounded on the archival
// concern the nishisan-dev-n-backup example carries end to end (an
// agent's whole job is shipping completed backup streams to
// object storage; gtvcore's housekeeping sweep borrows the same
// aws-sdk-go-v2 client shape for one-shot uploads of closed
// recordings instead).
package archive

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/5l1v3r1/gtvcore/internal/config"
)

// Archiver uploads recording files to one configured S3 bucket/prefix.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an Archiver from the Archive config block. Static
// credentials are only used when supplied; otherwise the default AWS
// credential chain applies.
func New(cfg config.Archive) (*Archiver, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upload ships localPath to the configured bucket under prefix/basename
// and leaves the local file untouched; the caller (Registry.Housekeep)
// does not delete it either.
func (a *Archiver) Upload(localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := path.Join(a.prefix, filepath.Base(localPath))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   f,
	})
	return err
}
