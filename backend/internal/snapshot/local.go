package snapshot

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalUploader 在没有配置 Firebase 时使用：把快照复制到本地目录，由 HTTP 静态路由提供下载。
type LocalUploader struct {
	dir     string
	baseURL string
}

func NewLocalUploader(dir, baseURL string) (*LocalUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalUploader{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (u *LocalUploader) Dir() string { return u.dir }

func (u *LocalUploader) Upload(ctx context.Context, canvasID, path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	// 先写临时文件再 rename，读者不会看到写了一半的图片
	dst, err := os.CreateTemp(u.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	tmp := dst.Name()
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(u.dir, filepath.Base(objectName(canvasID)))); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return u.URL(ctx, canvasID)
}

func (u *LocalUploader) URL(ctx context.Context, canvasID string) (string, error) {
	if _, err := os.Stat(filepath.Join(u.dir, filepath.Base(objectName(canvasID)))); err != nil {
		return "", err
	}
	return u.baseURL + "/" + filepath.Base(objectName(canvasID)), nil
}
