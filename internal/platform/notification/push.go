package notification

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// fcmClient is the subset of *messaging.Client used by FCMSender.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender delivers push notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client  fcmClient
	timeout time.Duration
	log     zerolog.Logger
}

// NewFCMSender initializes a Firebase app. An empty credentialsFile uses
// application default credentials.
func NewFCMSender(ctx context.Context, credentialsFile string, logger zerolog.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return newFCMSender(client, logger), nil
}

func newFCMSender(client fcmClient, logger zerolog.Logger) *FCMSender {
	return &FCMSender{
		client:  client,
		timeout: 10 * time.Second,
		log:     logger.With().Str("component", "fcm").Logger(),
	}
}

func buildPushMessage(title, body string, data map[string]string) *messaging.Message {
	return &messaging.Message{
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:    "default",
				Priority: messaging.PriorityHigh,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: title, Body: body},
					Sound: "default",
				},
			},
		},
	}
}

// SendPush implements PushSender. A single token uses Send; several tokens
// go through SendEachForMulticast and the rejected ones are returned.
func (s *FCMSender) SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := buildPushMessage(title, body, data)
	switch len(tokens) {
	case 0:
		return nil, ErrNoRecipient
	case 1:
		msg.Token = tokens[0]
		if _, err := s.client.Send(ctx, msg); err != nil {
			return tokens, fmt.Errorf("fcm send: %w", err)
		}
		return nil, nil
	}

	resp, err := s.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: msg.Notification,
		Data:         msg.Data,
		Android:      msg.Android,
		APNS:         msg.APNS,
	})
	if err != nil {
		return tokens, fmt.Errorf("fcm multicast: %w", err)
	}

	var failed []string
	for i, r := range resp.Responses {
		if !r.Success && i < len(tokens) {
			failed = append(failed, tokens[i])
		}
	}
	if len(failed) > 0 {
		s.log.Warn().Int("failed", len(failed)).Int("total", len(tokens)).Msg("some push tokens were rejected")
	}
	if resp.SuccessCount == 0 {
		return failed, fmt.Errorf("fcm multicast: all %d tokens failed", len(tokens))
	}
	return failed, nil
}
