package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizedIdentifier(t *testing.T) {
	tests := map[string]string{
		"alice@example.com":      "a***@***.com",
		"bob@mail.example.co.uk": "b***@***.uk",
		"alice":                  "a***",
		"émile":                  "é***",
		"carol@localhost":        "c***@***",
		"":                       "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizedIdentifier(in), in)
	}

	// length is not leaked
	assert.Equal(t, SanitizedIdentifier("a@example.com"), SanitizedIdentifier("averylongname@example.com"))
}

func TestRedactedAttr(t *testing.T) {
	assert.Equal(t, "[REDACTED]", RedactedAttr("k", "v", "production").Value.String())
	assert.Equal(t, "v", RedactedAttr("k", "v", "development").Value.String())
}

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "identifier=[REDACTED]&token=[REDACTED]", RedactQuery("token=abc&identifier=a%40b.com"))
	assert.Equal(t, "Code=[REDACTED]", RedactQuery("Code=123456"))
	assert.Equal(t, "limit=10&offset=20", RedactQuery("offset=20&limit=10"))
	assert.Equal(t, "", RedactQuery(""))
	assert.Equal(t, "[REDACTED]", RedactQuery("token=%zz"))
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestAuditLogger_Log_Failure(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)), "production")

	al.Log(context.Background(), AuditEvent{
		EventType:     "authentication_failed",
		PrincipalID:   "p-1",
		Username:      "alice@example.com",
		IPAddress:     "203.0.113.7",
		UserAgent:     "curl/8.0",
		FailureReason: "invalid credentials",
		OccurredAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Metadata:      map[string]string{"credential_type": "password"},
	})

	record := decodeRecord(t, &buf)
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "authentication_failed", record["event_type"])
	assert.Equal(t, "a***@***.com", record["username"])
	assert.Equal(t, "[REDACTED]", record["user_agent"])
	assert.Equal(t, "2026-03-01T09:00:00Z", record["timestamp"])
	assert.Equal(t, "password", record["credential_type"])
	assert.Equal(t, false, record["success"])
}

func TestAuditLogger_Log_SuccessKeepsHandle(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)), "development")

	al.Log(context.Background(), AuditEvent{EventType: "authenticated", Username: "alice", Success: true})

	record := decodeRecord(t, &buf)
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "alice", record["username"])
	assert.NotContains(t, record, "principal_id")
}
