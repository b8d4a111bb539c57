package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// CredentialsEnv 优先于文件：Base64 编码的 service account JSON。
const CredentialsEnv = "FIREBASE_SERVICE_ACCOUNT_JSON"

// NewFirebaseApp initializes the Firebase app shared by the blob store and push
// notifications. Credentials come from CredentialsEnv first, then credentialsFile.
func NewFirebaseApp(ctx context.Context, credentialsFile, bucket string, log *slog.Logger) (*firebase.App, error) {
	if log == nil {
		log = slog.Default()
	}
	var opt option.ClientOption
	if encoded := os.Getenv(CredentialsEnv); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", CredentialsEnv, err)
		}
		opt = option.WithCredentialsJSON(decoded)
		log.Info("firebase: credentials from environment")
	} else {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("firebase credentials file %q: %w", credentialsFile, err)
		}
		opt = option.WithCredentialsFile(credentialsFile)
		log.Info("firebase: credentials from file", "path", credentialsFile)
	}

	var conf *firebase.Config
	if bucket != "" {
		conf = &firebase.Config{StorageBucket: bucket}
	}
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	return app, nil
}
