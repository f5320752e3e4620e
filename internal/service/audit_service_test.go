package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
)

func TestAuditEventDetailsStoredAsJson(t *testing.T) {
	env := newTestEnv(t)
	audit := NewAuditService(nil, nil, nil, bucketing.NewBucketingManager(env.cfg), env.cfg)

	now := time.Now().UTC()
	event, err := audit.buildEvent(models.EventLoginWrongPassword, "acct-1", "192.0.2.1", "sid-1",
		map[string]string{"reason": "bad_password", "method": "password"}, now)
	require.NoError(t, err)

	assert.Equal(t, models.EventLoginWrongPassword, event.EventType)
	assert.Equal(t, "acct-1", event.AccountID)
	assert.Equal(t, "192.0.2.1", event.IPAddress)
	assert.Equal(t, "sid-1", event.SessionID)
	assert.NotEmpty(t, event.EventID)

	// Details land in one JSON column
	var details map[string]string
	require.NoError(t, json.Unmarshal([]byte(event.Details), &details))
	assert.Equal(t, "bad_password", details["reason"])
	assert.Equal(t, "password", details["method"])
}

func TestAuditEventWithoutDetails(t *testing.T) {
	env := newTestEnv(t)
	bm := bucketing.NewBucketingManager(env.cfg)
	audit := NewAuditService(nil, nil, nil, bm, env.cfg)

	event, err := audit.buildEvent(models.EventLoginSuccess, "", "192.0.2.1", "", nil, time.Now().UTC())
	require.NoError(t, err)

	assert.Empty(t, event.Details)
	// Anonymous events bucket by address
	assert.Equal(t, bm.GetEventBucket("192.0.2.1"), event.EventBucket)
}
