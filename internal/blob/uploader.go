// Package blob stores user uploads (project images, chat attachments) in
// S3-compatible object storage and hands back durable retrieval URLs.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	projectImagePrefix = "project-images/"
	chatFilePrefix     = "chat-files/"
)

type Uploader struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to the object store. publicURL overrides the base used in
// returned URLs (for a CDN or reverse proxy in front of the bucket); when
// empty, URLs point straight at the endpoint.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool, publicURL string) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &Uploader{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// UploadProjectImage stores one gallery image and returns its URL.
func (u *Uploader) UploadProjectImage(ctx context.Context, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	key := ProjectImageKey(filename)
	if err := u.put(ctx, key, reader, size, contentType); err != nil {
		return "", err
	}
	return u.URLFor(key), nil
}

// UploadChatFile stores one chat attachment under the chat's namespace and
// returns the retrieval URL plus the original filename for display.
func (u *Uploader) UploadChatFile(ctx context.Context, chatID, filename string, reader io.Reader, size int64, contentType string) (string, string, error) {
	key := ChatFileKey(chatID, filename)
	if err := u.put(ctx, key, reader, size, contentType); err != nil {
		return "", "", err
	}
	return u.URLFor(key), filename, nil
}

func (u *Uploader) put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := u.client.PutObject(ctx, u.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// URLFor returns the durable retrieval URL for an object key.
func (u *Uploader) URLFor(key string) string {
	return u.publicURL + "/" + u.bucket + "/" + key
}

// ProjectImageKey namespaces a gallery image under project-images/ with a
// random uniqueness token so equal filenames never collide.
func ProjectImageKey(filename string) string {
	return projectImagePrefix + uuid.NewString() + "-" + sanitizeFilename(filename)
}

// ChatFileKey namespaces an attachment under the chat, tokenized with the
// current time in milliseconds plus the original filename.
func ChatFileKey(chatID, filename string) string {
	return fmt.Sprintf("%s%s/%d-%s", chatFilePrefix, chatID, time.Now().UnixMilli(), sanitizeFilename(filename))
}

// sanitizeFilename strips path separators and whitespace so a hostile
// filename cannot escape its namespace or break the URL.
func sanitizeFilename(filename string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "#", "_", "?", "_")
	cleaned := replacer.Replace(strings.TrimSpace(filename))
	if cleaned == "" {
		return "file"
	}
	return cleaned
}
