package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// emailMessage is the contract with the downstream mailer service.
type emailMessage struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params"`
	SentAt   time.Time         `json:"sent_at"`
}

// EmailProducer is the slice of the Kafka client the notifier needs.
type EmailProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// NotificationService hands email work to the mailer over Kafka. Delivery is
// fire-and-forget at every call site: a lost mail never fails the state
// change that produced it.
type NotificationService struct {
	producer EmailProducer
	config   *config.Config
}

func NewNotificationService(producer EmailProducer, cfg *config.Config) *NotificationService {
	return &NotificationService{
		producer: producer,
		config:   cfg,
	}
}

// SendOtpEmail delivers a login OTP. The TTL is included so the template can
// tell the user how long the code is good for.
func (s *NotificationService) SendOtpEmail(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.send(ctx, email, "mfa_otp", map[string]string{
		"code":            code,
		"expires_minutes": fmt.Sprintf("%d", int(ttl.Minutes())),
	})
}

// SendVerificationEmail delivers the address-confirmation code issued at
// registration.
func (s *NotificationService) SendVerificationEmail(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.send(ctx, email, "email_verify", map[string]string{
		"code":            code,
		"expires_minutes": fmt.Sprintf("%d", int(ttl.Minutes())),
	})
}

// SendLockoutAlert tells the account owner their account was locked. Losing
// the alert is acceptable; the lockout itself is already in place.
func (s *NotificationService) SendLockoutAlert(ctx context.Context, email string, retryAfter time.Duration) {
	err := s.send(ctx, email, "account_locked", map[string]string{
		"retry_minutes": fmt.Sprintf("%d", int(retryAfter.Minutes())),
	})
	if err != nil {
		util.Warn("Failed to send lockout alert", zap.Error(err))
	}
}

func (s *NotificationService) send(ctx context.Context, email, template string, params map[string]string) error {
	if s.producer == nil {
		util.Warn("Email producer not configured, dropping message",
			zap.String("template", template))
		return nil
	}

	msg := emailMessage{
		To:       email,
		Template: template,
		Params:   params,
		SentAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	if err := s.producer.ProduceMessage(ctx, s.config.Kafka.EmailTopic,
		[]byte(email), payload,
		map[string]string{"template": template}); err != nil {
		return fmt.Errorf("failed to enqueue email: %w", err)
	}

	util.Debug("Email enqueued",
		zap.String("template", template))
	return nil
}
