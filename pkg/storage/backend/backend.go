// Package backend opens the configured cloud object store.
package backend

import (
	"context"
	"fmt"

	gstorage "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/api/option"

	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/storage"
	"github.com/censys/intake-scanner/pkg/storage/gcs"
	"github.com/censys/intake-scanner/pkg/storage/minio"
	"github.com/censys/intake-scanner/pkg/storage/s3"
)

// Backend is an opened object store together with its upload signer.
type Backend struct {
	Name   string
	Store  storage.ObjectStore
	Signer storage.PutSigner
	close  func() error
}

// Close releases the underlying client.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to cfg.Backend. The memory backend cannot be shared between
// processes and is rejected here.
func Open(ctx context.Context, cfg config.Store) (*Backend, error) {
	buckets := cfg.Buckets()
	switch cfg.Backend {
	case "gcs":
		var opts []option.ClientOption
		if cfg.GCSEndpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.GCSEndpoint), option.WithoutAuthentication())
		}
		client, err := gstorage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		s := gcs.New(client, buckets)
		return &Backend{Name: cfg.Backend, Store: s, Signer: s, close: client.Close}, nil

	case "minio":
		client, err := miniogo.New(cfg.MinioEndpoint, &miniogo.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
			Secure: cfg.MinioUseTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		s := minio.New(client, buckets)
		return &Backend{Name: cfg.Backend, Store: s, Signer: s}, nil

	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
				o.UsePathStyle = true
			}
		})
		s := s3.New(client, buckets)
		return &Backend{Name: cfg.Backend, Store: s, Signer: s}, nil

	case "memory":
		return nil, fmt.Errorf("memory backend is only available in the standalone binary")
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
