// Package integration drives a full ctmirror sync run against a disposable
// MinIO container standing in for a production S3-compatible bucket,
// using testcontainers-go for isolation from a developer's host services
// rather than real cloud infrastructure.
package integration

import (
	"context"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

// minioSetup starts a MinIO container and creates the bucket shard data is
// mirrored into, returning connection details plus a cleanup func.
func minioSetup(ctx context.Context) (endpoint, accessKey, secretKey, bucket, region string, cleanup func()) {
	minioContainer, err := minio.RunContainer(ctx, testcontainers.WithImage("minio/minio:RELEASE.2024-01-16T16-07-38Z"))
	if err != nil {
		log.Fatalf("failed to start minio container: %s", err)
	}

	connStr, err := minioContainer.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("failed to get minio connection string: %s", err)
	}
	endpoint = "http://" + connStr
	accessKey, secretKey = minioContainer.Username, minioContainer.Password
	bucket = "ctmirror-shards"
	region = "us-east-1"

	client := s3.NewFromConfig(aws.Config{
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
	}, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		log.Fatalf("failed to create bucket: %s", err)
	}

	return endpoint, accessKey, secretKey, bucket, region, func() {
		if err := minioContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate minio container: %s", err)
		}
	}
}
