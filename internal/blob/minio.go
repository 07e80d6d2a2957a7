// Package blob stores uploaded component files in S3-compatible object storage.
package blob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store writes files to a single bucket and hands back public locators.
type Store struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// New connects to the object store and ensures the bucket exists. baseURL is
// the public prefix used to build locators; when empty it is derived from the
// endpoint.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket, baseURL string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	if baseURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + endpoint
	}

	return &Store{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Put stores the file under a random object name that keeps the original
// extension, and returns the public locator for the stored object.
func (s *Store) Put(ctx context.Context, filename, contentType string, r io.Reader, size int64) (string, error) {
	object := randomObjectName(path.Ext(filename))
	if _, err := s.client.PutObject(ctx, s.bucket, object, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("put object %s: %w", object, err)
	}
	return s.baseURL + "/" + s.bucket + "/" + object, nil
}

func randomObjectName(ext string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf) + ext
}
