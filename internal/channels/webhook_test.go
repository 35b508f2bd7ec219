package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSendPostsEnvelope(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body struct {
			Event   string   `json:"event"`
			Payload Rejected `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got.Event = body.Event
		got.Payload = body.Payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	require.True(t, ch.Enabled())

	err := ch.Send(context.Background(), Rejected{
		RequestNumber:  "REQ-20260830-ABCDEF",
		Title:          "Протекает кран",
		TechnicianName: "Иванов",
		Reason:         "нет запчастей",
	})
	require.NoError(t, err)
	assert.Equal(t, "rejected", got.Event)
	assert.Equal(t, "REQ-20260830-ABCDEF", got.Payload.(Rejected).RequestNumber)
	assert.Equal(t, "нет запчастей", got.Payload.(Rejected).Reason)
}

func TestWebhookSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), StatusChanged{RequestNumber: "REQ-1", OldStatus: "in_progress", NewStatus: "on_hold"})
	assert.Error(t, err)
}

func TestWebhookDisabledWithoutURL(t *testing.T) {
	assert.False(t, NewWebhookChannel("").Enabled())
}

func TestTelegramDisabledWithoutCredentials(t *testing.T) {
	assert.False(t, NewTelegramChannel("", "").Enabled())
	assert.False(t, NewTelegramChannel("token", "").Enabled())
	assert.True(t, NewTelegramChannel("token", "42").Enabled())
}

func TestFormatTextCoversEveryKind(t *testing.T) {
	payloads := []Payload{
		NewRequest{RequestNumber: "REQ-1", Title: "t", RequesterName: "П", Category: "c", Location: "l", Priority: "high"},
		Assigned{RequestNumber: "REQ-1", Title: "t", TechnicianName: "И"},
		Accepted{RequestNumber: "REQ-1", Title: "t", TechnicianName: "И"},
		Started{RequestNumber: "REQ-1", Title: "t", TechnicianName: "И"},
		Completed{RequestNumber: "REQ-1", Title: "t", TechnicianName: "И"},
		Cancelled{RequestNumber: "REQ-1", Title: "t", Reason: "передумали"},
		Rejected{RequestNumber: "REQ-1", Title: "t", TechnicianName: "И", Reason: "нет запчастей"},
		StatusChanged{RequestNumber: "REQ-1", Title: "t", OldStatus: "accepted", NewStatus: "in_progress"},
	}
	for _, p := range payloads {
		text := formatText(p)
		assert.Contains(t, text, "REQ-1", "kind %s", p.Kind())
	}
	report := formatText(DailyReport{Date: "2026-08-30", Total: 3, ByStatus: map[string]int{"pending": 3}})
	assert.Contains(t, report, "2026-08-30")
	assert.Contains(t, report, "pending: 3")
}
