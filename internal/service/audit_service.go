package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

// AuditService fans security events out to Kafka, ClickHouse and
// Elasticsearch. Every sink is best-effort: audit failures are logged but
// never fail the authentication operation that produced the event.
//
// The one read path, CountRecentMfaFailures, backs the MFA limiter when the
// Redis counter is unavailable.
type AuditService struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	bucketing  *bucketing.BucketingManager
	config     *config.Config
}

func NewAuditService(
	producer *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
	es *client.ESClient,
	bm *bucketing.BucketingManager,
	cfg *config.Config,
) *AuditService {
	return &AuditService{
		producer:   producer,
		clickhouse: clickhouse,
		es:         es,
		bucketing:  bm,
		config:     cfg,
	}
}

// buildEvent assembles the sink-independent event row. Details collapse into
// one JSON column so every sink stores the same shape.
func (s *AuditService) buildEvent(eventType, accountID, ip, sessionID string, details map[string]string, now time.Time) (*models.SecurityEvent, error) {
	partitionKey := accountID
	if partitionKey == "" {
		partitionKey = ip
	}

	detailsJSON := ""
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, err
		}
		detailsJSON = string(raw)
	}

	return &models.SecurityEvent{
		EventBucket: s.bucketing.GetEventBucket(partitionKey),
		EventID:     uuid.New().String(),
		AccountID:   accountID,
		EventDate:   s.bucketing.GetDateBucket(now),
		EventTime:   now,
		EventType:   eventType,
		IPAddress:   ip,
		SessionID:   sessionID,
		Details:     detailsJSON,
	}, nil
}

// RecordEvent writes one security event to every configured sink.
func (s *AuditService) RecordEvent(ctx context.Context, eventType, accountID, ip, sessionID string, details map[string]string) {
	event, err := s.buildEvent(eventType, accountID, ip, sessionID, details, time.Now().UTC())
	if err != nil {
		util.Error("Failed to marshal event details",
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}
	partitionKey := event.AccountID
	if partitionKey == "" {
		partitionKey = event.IPAddress
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal security event",
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}

	if s.producer != nil {
		if err := s.producer.ProduceMessage(ctx, s.config.Kafka.AuditTopic,
			[]byte(partitionKey), payload,
			map[string]string{"event_type": eventType}); err != nil {
			util.Warn("Failed to publish security event",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	if s.clickhouse != nil {
		err := s.clickhouse.Exec(ctx, `
            INSERT INTO security_events (
                event_bucket, event_id, account_id, event_date, event_time,
                event_type, ip_address, session_id, details
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.EventBucket, event.EventID, event.AccountID, event.EventDate,
			event.EventTime, event.EventType, event.IPAddress, event.SessionID,
			event.Details)
		if err != nil {
			util.Warn("Failed to store security event",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	if s.es != nil {
		if _, err := s.es.IndexDocument(ctx, s.es.EventIndex(), event.EventID, event); err != nil {
			util.Warn("Failed to index security event",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	util.Debug("Security event recorded",
		zap.String("event_type", eventType),
		zap.String("account_id", accountID))
}

// RecordMfaAttempt appends one verification attempt to the audit store.
func (s *AuditService) RecordMfaAttempt(ctx context.Context, attempt *models.MfaAttempt) error {
	if s.clickhouse == nil {
		return nil
	}

	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.New().String()
	}

	err := s.clickhouse.Exec(ctx, `
        INSERT INTO mfa_attempts (
            attempt_id, account_id, method, success, ip_address, attempted_at
        ) VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.AttemptID, attempt.AccountID, attempt.Method,
		attempt.Success, attempt.IPAddress, attempt.AttemptedAt)
	if err != nil {
		util.Warn("Failed to record MFA attempt",
			zap.String("account_id", attempt.AccountID),
			zap.Error(err))
		return err
	}
	return nil
}

// CountRecentMfaFailures reconstructs the failure count from the audit trail.
func (s *AuditService) CountRecentMfaFailures(ctx context.Context, accountID string, window time.Duration) (int, error) {
	if s.clickhouse == nil {
		return 0, ErrInfrastructure
	}

	since := time.Now().UTC().Add(-window)
	var count uint64
	row := s.clickhouse.QueryRow(ctx, `
        SELECT count() FROM mfa_attempts
        WHERE account_id = ? AND success = 0 AND attempted_at >= ?`,
		accountID, since)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return int(count), nil
}
