package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// Object layout:
//
//	pages/{page}/body.md
//	pages/{page}/attachments/{name}
//
// An attachment id is "{page}/{name}"; a page id has no slash.
const (
	pagesRoot      = "pages/"
	bodyObject     = "body.md"
	attachmentsDir = "attachments/"
	titleMeta      = "Title"
)

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// MinIOStore implements Store on an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore connects to the object store, retrying with exponential
// backoff, and creates the bucket if it is missing.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty MinIO endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty MinIO bucket")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}

	var lastErr error
	interval := cfg.InitialInterval
	for attempt := range cfg.MaxRetries {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context canceled before MinIO init: %w", ctx.Err())
		}
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			lastErr = fmt.Errorf("create MinIO client: %w", err)
		} else if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
			lastErr = err
		} else {
			return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
		}

		if attempt < cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context canceled while waiting to retry MinIO: %w", ctx.Err())
			case <-time.After(interval):
				interval = min(interval*2, cfg.MaxInterval)
			}
		}
	}
	return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

func (s *MinIOStore) ListResources(ctx context.Context, parentID string, mediaTypes ...string) ([]models.Resource, error) {
	prefix, err := attachmentsPrefix(parentID)
	if err != nil {
		return nil, err
	}

	var resources []models.Resource
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, mapMinIOError(obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		r, err := s.GetResource(ctx, parentID+"/"+name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if MatchMediaType(r.MediaType, mediaTypes) {
			resources = append(resources, r)
		}
	}
	return resources, nil
}

func (s *MinIOStore) GetResource(ctx context.Context, id string) (models.Resource, error) {
	page, name, object, err := attachmentObject(id)
	if err != nil {
		return models.Resource{}, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return models.Resource{}, mapMinIOError(err)
	}
	return models.Resource{
		ID:         id,
		ParentID:   page,
		Title:      titleOf(info, name),
		MediaType:  info.ContentType,
		ModifiedAt: info.LastModified,
	}, nil
}

func (s *MinIOStore) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	_, _, object, err := attachmentObject(id)
	if err != nil {
		return nil, err
	}
	return s.read(ctx, object)
}

func (s *MinIOStore) Exists(ctx context.Context, id string) (bool, error) {
	object, err := objectFor(id)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	err = mapMinIOError(err)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *MinIOStore) GetBody(ctx context.Context, parentID string) (models.Body, error) {
	object, err := bodyObjectName(parentID)
	if err != nil {
		return models.Body{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return models.Body{}, mapMinIOError(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return models.Body{}, mapMinIOError(err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return models.Body{}, mapMinIOError(err)
	}
	return models.Body{
		ParentID:   parentID,
		Title:      titleOf(info, parentID),
		Content:    string(data),
		Version:    info.ETag,
		ModifiedAt: info.LastModified,
	}, nil
}

func (s *MinIOStore) PutBody(ctx context.Context, body models.Body, expectedVersion string) error {
	object, err := bodyObjectName(body.ParentID)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{
		ContentType:  "text/markdown",
		UserMetadata: map[string]string{titleMeta: url.QueryEscape(body.Title)},
	}
	if expectedVersion != "" {
		opts.SetMatchETag(expectedVersion)
	}
	data := []byte(body.Content)
	if _, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return mapMinIOError(err)
	}
	return nil
}

// PutAttachment stores an attachment and returns its id.
func (s *MinIOStore) PutAttachment(ctx context.Context, parentID, name, title, mediaType string, data []byte) (string, error) {
	id := parentID + "/" + name
	_, _, object, err := attachmentObject(id)
	if err != nil {
		return "", err
	}
	opts := minio.PutObjectOptions{
		ContentType:  mediaType,
		UserMetadata: map[string]string{titleMeta: url.QueryEscape(title)},
	}
	if _, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", mapMinIOError(err)
	}
	return id, nil
}

// DeleteAttachment removes an attachment.
func (s *MinIOStore) DeleteAttachment(ctx context.Context, id string) error {
	_, _, object, err := attachmentObject(id)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return mapMinIOError(err)
	}
	return nil
}

func (s *MinIOStore) read(ctx context.Context, object string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinIOError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinIOError(err)
	}
	return data, nil
}

func titleOf(info minio.ObjectInfo, fallback string) string {
	if t := info.UserMetadata[titleMeta]; t != "" {
		if decoded, err := url.QueryUnescape(t); err == nil {
			return decoded
		}
		return t
	}
	return fallback
}

func mapMinIOError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case minio.NoSuchKey, minio.NoSuchBucket:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case minio.PreconditionFailed:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return classifyError(err)
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\")
}

func objectFor(id string) (string, error) {
	if strings.Contains(id, "/") {
		_, _, object, err := attachmentObject(id)
		return object, err
	}
	return bodyObjectName(id)
}

func bodyObjectName(page string) (string, error) {
	if !validSegment(page) {
		return "", fmt.Errorf("%w: invalid page id %q", ErrNotFound, page)
	}
	return path.Join(pagesRoot, page, bodyObject), nil
}

func attachmentsPrefix(page string) (string, error) {
	if !validSegment(page) {
		return "", fmt.Errorf("%w: invalid page id %q", ErrNotFound, page)
	}
	return pagesRoot + page + "/" + attachmentsDir, nil
}

func attachmentObject(id string) (page, name, object string, err error) {
	page, name, ok := strings.Cut(id, "/")
	if !ok || !validSegment(page) || !validSegment(name) {
		return "", "", "", fmt.Errorf("%w: invalid attachment id %q", ErrNotFound, id)
	}
	return page, name, pagesRoot + page + "/" + attachmentsDir + name, nil
}

// Compile-time check that MinIOStore implements Store.
var _ Store = (*MinIOStore)(nil)
