package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
)

// objectName is the blob key of a canvas preview; each draw overwrites it.
func objectName(canvasID string) string { return "snapshots/" + canvasID + ".png" }

// FirebaseUploader 把快照写到 Firebase Storage（GCS bucket），并签发下载 URL。
type FirebaseUploader struct {
	bucket *gcs.BucketHandle
	urlTTL time.Duration
}

func NewFirebaseUploader(ctx context.Context, app *firebase.App, bucket string, urlTTL time.Duration) (*FirebaseUploader, error) {
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	var b *gcs.BucketHandle
	if bucket == "" {
		b, err = client.DefaultBucket()
	} else {
		b, err = client.Bucket(bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("bucket %q: %w", bucket, err)
	}
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &FirebaseUploader{bucket: b, urlTTL: urlTTL}, nil
}

func (u *FirebaseUploader) Upload(ctx context.Context, canvasID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := u.bucket.Object(objectName(canvasID)).NewWriter(ctx)
	w.ContentType = "image/png"
	w.CacheControl = "no-cache"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return u.URL(ctx, canvasID)
}

func (u *FirebaseUploader) URL(ctx context.Context, canvasID string) (string, error) {
	return u.bucket.SignedURL(objectName(canvasID), &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(u.urlTTL),
	})
}
