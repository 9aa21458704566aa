package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Service uploads job payloads to Amazon S3 (or compatible APIs).
type S3Service struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
}

func NewS3Service(client *s3.Client) *S3Service {
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
	}
}

type uploadFile struct {
	path string
	key  string
	size int64
}

// collectFiles maps a file or directory to object keys under prefix. A single
// file keeps its base name; a directory keeps its own name as the first
// path segment so multi-file payloads stay grouped.
func collectFiles(localPath, prefix string) ([]uploadFile, error) {
	root := filepath.Clean(localPath)
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat local path: %w", err)
	}
	if !fi.IsDir() {
		return []uploadFile{{path: root, key: path.Join(prefix, fi.Name()), size: fi.Size()}}, nil
	}

	base := filepath.Base(root)
	var files []uploadFile
	err = filepath.Walk(root, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		files = append(files, uploadFile{
			path: p,
			key:  path.Join(prefix, base, filepath.ToSlash(rel)),
			size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (s *S3Service) Upload(ctx context.Context, localPath string, opts UploadOptions) (string, error) {
	if opts.Bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}
	keyPrefix := strings.Trim(opts.KeyPrefix, "/")
	if keyPrefix == "" {
		return "", fmt.Errorf("key prefix is required")
	}

	files, err := collectFiles(localPath, keyPrefix)
	if err != nil {
		return "", err
	}

	var totalSize int64
	for _, file := range files {
		totalSize += file.size
	}

	progress := newProgressReporter(totalSize, opts.ProgressCallback)
	if progress != nil {
		progress.start()
	}

	for _, file := range files {
		if err := s.uploadFile(ctx, opts.Bucket, file, progress); err != nil {
			return "", err
		}
	}

	if progress != nil {
		progress.flush()
	}

	return fmt.Sprintf("s3://%s/%s", opts.Bucket, keyPrefix), nil
}

func (s *S3Service) uploadFile(ctx context.Context, bucket string, file uploadFile, progress *progressReporter) error {
	f, err := os.Open(file.path)
	if err != nil {
		return fmt.Errorf("open file %s: %w", file.path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if progress != nil {
		reader = io.TeeReader(f, progress)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(file.key),
		Body:   reader,
		ACL:    types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", file.path, err)
	}
	return nil
}

func (s *S3Service) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if strings.TrimSpace(prefix) != "" {
		input.Prefix = aws.String(prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
	}

	return objects, nil
}

func (s *S3Service) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return fmt.Errorf("prefix is required")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(trimmed),
	})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects for delete: %w", err)
		}
		if len(output.Contents) == 0 {
			continue
		}
		identifiers := make([]types.ObjectIdentifier, 0, len(output.Contents))
		for _, obj := range output.Contents {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: identifiers,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}

	return nil
}

func (s *S3Service) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("bucket and key are required")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// ParseLocation splits an s3:// location into bucket and key prefix.
func ParseLocation(location string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid s3 location")
	}
	if len(parts) == 1 || strings.Trim(parts[1], "/") == "" {
		return "", "", fmt.Errorf("s3 prefix missing")
	}
	return parts[0], strings.Trim(parts[1], "/"), nil
}

var _ Service = (*S3Service)(nil)
