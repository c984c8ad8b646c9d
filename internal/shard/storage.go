// Package shard implements the shard writer: appending verified leaves to
// fixed-size shards and sealing their manifests.
//
// Storage abstracts the backend the writer appends to (Get/Set/Exists),
// so the same writer runs against either an FsStorage archive root or an
// S3Storage bucket built on aws-sdk-go-v2.
package shard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Storage is the pluggable archive-root backend. Set must be durable by
// the time it returns — a leaf is durable on disk before its index is
// recorded in any manifest, so the writer cannot defer that guarantee to
// a separate call the way a bolted-on fsync step would.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// FsStorage is an archive-root-backed Storage. Set writes through a
// temp file in the target directory, fsyncs it, renames it into place,
// and fsyncs the directory entry, so a successful Set has the data
// safely on disk (surviving a crash) before it returns — the same
// temp-plus-rename-plus-fsync shape archive.SaveTrustedSTH uses for
// sth.json.
type FsStorage struct {
	root string
}

func NewFsStorage(rootDirectory string) *FsStorage {
	return &FsStorage{root: rootDirectory}
}

func (f *FsStorage) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FsStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FsStorage) Set(ctx context.Context, key string, data []byte) error {
	finalPath := f.path(key)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(finalPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dirHandle.Close()
	return dirHandle.Sync()
}

func (f *FsStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// S3Storage is an S3-compatible bucket client built via aws-sdk-go-v2
// with static credentials and path-style addressing, for compatibility
// with MinIO and other S3-compatible backends used in testing. PutObject
// already satisfies Storage's durability contract: it does not return
// until the object has been accepted by the bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
}

func NewS3Storage(region, bucket, endpoint, accessKey, secretKey string) *S3Storage {
	cfg := aws.Config{
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3Storage{client: client, bucket: bucket}
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Storage) Set(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) && respErr.ResponseError.HTTPStatusCode() == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
