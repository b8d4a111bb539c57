package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
)

type FCMSender struct {
	client *messaging.Client
}

func NewFCMSender(ctx context.Context, app *firebase.App) (*FCMSender, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("messaging client: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, n Notification) error {
	_, err := s.client.Send(ctx, message(n))
	return err
}

func message(n Notification) *messaging.Message {
	data := map[string]string{}
	if n.Link != "" {
		data["link"] = n.Link
	}
	return &messaging.Message{
		Token: n.Token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
		Webpush: &messaging.WebpushConfig{
			FCMOptions: &messaging.WebpushFCMOptions{Link: n.Link},
		},
	}
}
