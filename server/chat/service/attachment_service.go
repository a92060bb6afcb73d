package service

import (
	"bytes"
	"context"
	"image"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

// AttachmentService hands out short-lived presigned URLs so attachment bytes
// never flow through the realtime server, and derives thumbnails for image
// uploads after the fact.
type AttachmentService struct {
	client *minio.Client
	bucket string
}

func NewAttachmentService(client *minio.Client, bucket string) *AttachmentService {
	return &AttachmentService{client: client, bucket: bucket}
}

// PresignUpload returns a PUT URL for a fresh object key scoped to the user.
func (s *AttachmentService) PresignUpload(ctx context.Context, userID, filename string) (objectKey, uploadURL string, err error) {
	objectKey = s.objectKey(userID, filename)
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectKey, 15*time.Minute)
	if err != nil {
		return "", "", domain.Persistence("presign upload", err)
	}
	return objectKey, u.String(), nil
}

func (s *AttachmentService) PresignDownload(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, 15*time.Minute, url.Values{})
	if err != nil {
		return "", domain.Persistence("presign download", err)
	}
	return u.String(), nil
}

// Register finalizes an uploaded object as a message attachment. Image
// uploads get a thumbnail; thumbnail failures degrade to the bare attachment.
func (s *AttachmentService) Register(ctx context.Context, objectKey, mimeType string, sizeBytes int64) (domain.Attachment, error) {
	if objectKey == "" {
		return domain.Attachment{}, domain.Validation("object_key is required")
	}
	att := domain.Attachment{
		URL:       objectKey,
		MimeType:  mimeType,
		SizeBytes: sizeBytes,
	}
	if strings.HasPrefix(mimeType, "image/") {
		thumbKey, err := s.makeThumbnail(ctx, objectKey)
		if err != nil {
			commonlog.Warnf("event=attachment action=thumbnail status=failed object_key=%s error=%v", objectKey, err)
		} else {
			att.ThumbnailURL = thumbKey
		}
	}
	return att, nil
}

func (s *AttachmentService) makeThumbnail(ctx context.Context, objectKey string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	img, _, err := image.Decode(obj)
	if err != nil {
		return "", err
	}

	thumb := imaging.Thumbnail(img, 320, 320, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return "", err
	}

	ext := filepath.Ext(objectKey)
	thumbKey := strings.TrimSuffix(objectKey, ext) + "_thumb.jpg"
	reader := bytes.NewReader(buf.Bytes())
	_, err = s.client.PutObject(ctx, s.bucket, thumbKey, reader, int64(reader.Len()), minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", err
	}
	return thumbKey, nil
}

func (s *AttachmentService) objectKey(userID, filename string) string {
	cleaned := strings.TrimPrefix(strings.TrimSpace(filename), "/")
	if cleaned == "" {
		cleaned = "file"
	}
	return userID + "/" + uuid.NewString() + "_" + cleaned
}
