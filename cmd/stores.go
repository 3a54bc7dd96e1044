package cmd

import (
	"github.com/spf13/cobra"

	"github.com/patrikhermansson/colann/storage"
)

// storeConfig selects where column vectors and index artifacts live.
// Vectors always go to Badger; artifacts go to MinIO when an endpoint is set.
type storeConfig struct {
	dir         string
	compression string
	minio       storage.MinioConfig
}

func (c *storeConfig) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&c.dir, "db", "colann-data", "badger directory holding column vectors and, without --s3-endpoint, index artifacts")
	f.StringVar(&c.compression, "compression", "zstd", "artifact compression: none, lz4 or zstd")
	f.StringVar(&c.minio.Endpoint, "s3-endpoint", "", "S3-compatible endpoint for index artifacts")
	f.StringVar(&c.minio.Bucket, "s3-bucket", "colann", "bucket for index artifacts")
	f.StringVar(&c.minio.Prefix, "s3-prefix", "indices", "key prefix inside the bucket")
	f.StringVar(&c.minio.AccessKey, "s3-access-key", "", "access key")
	f.StringVar(&c.minio.SecretKey, "s3-secret-key", "", "secret key")
	f.StringVar(&c.minio.Region, "s3-region", "", "bucket region")
	f.BoolVar(&c.minio.Secure, "s3-secure", true, "use TLS")
}

type stores struct {
	vectors *storage.BadgerStore
	meta    storage.MetadataStore
}

func (s *stores) Close() error {
	return s.vectors.Close()
}

func (c *storeConfig) open() (*stores, error) {
	codec, err := storage.ParseCompression(c.compression)
	if err != nil {
		return nil, err
	}
	vectors, err := storage.OpenBadger(c.dir)
	if err != nil {
		return nil, err
	}
	var meta storage.MetadataStore = vectors
	if c.minio.Endpoint != "" {
		m, err := storage.DialMinio(c.minio)
		if err != nil {
			_ = vectors.Close()
			return nil, err
		}
		meta = m
	}
	if codec != storage.CompressionNone {
		meta = storage.NewCompressedStore(meta, codec)
	}
	return &stores{vectors: vectors, meta: meta}, nil
}
