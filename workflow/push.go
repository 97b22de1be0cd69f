package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PushSender delivers one fanout event to a device. Implementations must be
// safe for concurrent use.
type PushSender interface {
	Send(ctx context.Context, msg config.PushMessage) error
}

// FcmPushSender posts to the FCM legacy HTTP endpoint using the recipient's
// registered device token. Recipients without a token are skipped, not failed:
// an uninstalled app must not wedge the outbox.
type FcmPushSender struct {
	DB         *gorm.DB
	HTTPClient *http.Client
	ServerKey  string
	Endpoint   string
}

func NewFcmPushSender(db *gorm.DB) *FcmPushSender {
	endpoint := os.Getenv("FCM_ENDPOINT")
	if endpoint == "" {
		endpoint = "https://fcm.googleapis.com/fcm/send"
	}
	return &FcmPushSender{
		DB:         db,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		ServerKey:  os.Getenv("FCM_SERVER_KEY"),
		Endpoint:   endpoint,
	}
}

func (s *FcmPushSender) Send(ctx context.Context, msg config.PushMessage) error {
	token, err := s.deviceToken(ctx, msg.RecipientId)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}

	body := map[string]interface{}{
		"to": token,
		"data": map[string]interface{}{
			"request_id":     msg.RequestId,
			"event_type":     msg.EventType,
			"payload":        json.RawMessage(msg.Payload),
			"occurred_at":    msg.OccurredAt,
			"correlation_id": msg.CorrelationId,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.ServerKey)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *FcmPushSender) deviceToken(ctx context.Context, recipientId string) (string, error) {
	var token string
	err := s.DB.WithContext(ctx).Model(&models.HelperProfile{}).
		Where("helper_id = ?", recipientId).
		Pluck("device_token", &token).Error
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}
	err = s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", recipientId).
		Pluck("device_token", &token).Error
	return token, err
}

// LogPushSender is the no-credentials fallback used in development: events are
// logged instead of delivered.
type LogPushSender struct {
	Logger *logrus.Logger
}

func (s *LogPushSender) Send(ctx context.Context, msg config.PushMessage) error {
	s.Logger.WithFields(logrus.Fields{
		"module":         "push",
		"request_id":     msg.RequestId,
		"event_type":     msg.EventType,
		"recipient_id":   msg.RecipientId,
		"correlation_id": msg.CorrelationId,
	}).Info("push (log sender)")
	return nil
}

// NewPushSender picks the FCM sender when a server key is configured, the log
// sender otherwise.
func NewPushSender(db *gorm.DB, logger *logrus.Logger) PushSender {
	if os.Getenv("FCM_SERVER_KEY") != "" {
		return NewFcmPushSender(db)
	}
	return &LogPushSender{Logger: logger}
}
