// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifacts

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lightci/lightci/pkg/errors"
)

// S3API is the slice of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps artifacts under s3://<bucket>/<prefix>/<runID>/<relativePath>.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(runID, relativePath string) string {
	return path.Join(s.prefix, runID, relativePath)
}

// Save uploads one artifact object.
func (s *S3Store) Save(ctx context.Context, runID, relativePath string, r io.Reader) (int64, error) {
	counted := &countingReader{r: r}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(runID, relativePath)),
		Body:   counted,
	})
	if err != nil {
		return 0, &errors.ProviderError{
			Provider:  "aws",
			Operation: "PutObject",
			Message:   fmt.Sprintf("failed to upload artifact %s", relativePath),
			Cause:     err,
		}
	}
	return counted.n, nil
}

// Open downloads one artifact object.
func (s *S3Store) Open(ctx context.Context, runID, relativePath string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(runID, relativePath)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, &errors.NotFoundError{Resource: "artifact", ID: relativePath}
		}
		return nil, &errors.ProviderError{
			Provider:  "aws",
			Operation: "GetObject",
			Message:   fmt.Sprintf("failed to download artifact %s", relativePath),
			Cause:     err,
		}
	}
	return out.Body, nil
}

// DeleteRun removes every object under the run's prefix.
func (s *S3Store) DeleteRun(ctx context.Context, runID string) error {
	prefix := s.key(runID, "") + "/"

	var continuation *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return &errors.ProviderError{
				Provider:  "aws",
				Operation: "ListObjectsV2",
				Message:   fmt.Sprintf("failed to list artifacts for run %s", runID),
				Cause:     err,
			}
		}

		for _, obj := range page.Contents {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return &errors.ProviderError{
					Provider:  "aws",
					Operation: "DeleteObject",
					Message:   fmt.Sprintf("failed to delete artifact %s", aws.ToString(obj.Key)),
					Cause:     err,
				}
			}
		}

		if page.NextContinuationToken == nil {
			return nil
		}
		continuation = page.NextContinuationToken
	}
}

// Location returns the run's S3 URI.
func (s *S3Store) Location(runID string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(runID, ""))
}

// countingReader tracks bytes read so Save can report stored size
// without buffering the object.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ Store = (*S3Store)(nil)
