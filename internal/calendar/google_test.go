package calendar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
)

const eventsPath = "/calendar/v3/calendars/primary/events"

func newTestGateway(t *testing.T, mux *http.ServeMux) *GoogleGateway {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gw, err := NewGoogleGateway(context.Background(), GoogleConfig{
		CalendarID:  "primary",
		Endpoint:    srv.URL + "/calendar/v3/",
		SendUpdates: "all",
		Location:    mustBogota(t),
	})
	require.NoError(t, err)
	return gw
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestGoogleGateway_CheckAvailability(t *testing.T) {
	loc := mustBogota(t)
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, loc)
	end := start.Add(time.Hour)

	tests := []struct {
		name  string
		items string
		want  Status
	}{
		{
			name:  "overlapping timed event",
			items: `[{"id":"a","status":"confirmed","start":{"dateTime":"2026-03-10T10:30:00-05:00"},"end":{"dateTime":"2026-03-10T11:30:00-05:00"}}]`,
			want:  StatusBusy,
		},
		{
			name: "cancelled and transparent only",
			items: `[
				{"id":"a","status":"cancelled","start":{"dateTime":"2026-03-10T10:00:00-05:00"},"end":{"dateTime":"2026-03-10T11:00:00-05:00"}},
				{"id":"b","transparency":"transparent","start":{"dateTime":"2026-03-10T10:00:00-05:00"},"end":{"dateTime":"2026-03-10T11:00:00-05:00"}}
			]`,
			want: StatusFree,
		},
		{
			name:  "cancelled recurring instance without times",
			items: `[{"id":"x_20260310","status":"cancelled","recurringEventId":"x","originalStartTime":{"dateTime":"2026-03-10T10:00:00-05:00"}}]`,
			want:  StatusFree,
		},
		{
			name: "cancelled instance next to a busy event",
			items: `[
				{"id":"x_20260310","status":"cancelled","recurringEventId":"x","originalStartTime":{"dateTime":"2026-03-10T10:00:00-05:00"}},
				{"id":"a","status":"confirmed","start":{"dateTime":"2026-03-10T10:15:00-05:00"},"end":{"dateTime":"2026-03-10T10:45:00-05:00"}}
			]`,
			want: StatusBusy,
		},
		{
			name:  "all-day event",
			items: `[{"id":"h","start":{"date":"2026-03-10"},"end":{"date":"2026-03-11"}}]`,
			want:  StatusBusy,
		},
		{
			name:  "adjacent event",
			items: `[{"id":"a","start":{"dateTime":"2026-03-10T09:00:00-05:00"},"end":{"dateTime":"2026-03-10T10:00:00-05:00"}}]`,
			want:  StatusFree,
		},
		{
			name:  "empty calendar",
			items: `[]`,
			want:  StatusFree,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET "+eventsPath, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
				assert.Equal(t, "2026-03-10T10:00:00-05:00", r.URL.Query().Get("timeMin"))
				assert.Equal(t, "2026-03-10T11:00:00-05:00", r.URL.Query().Get("timeMax"))
				writeJSON(w, http.StatusOK, `{"kind":"calendar#events","items":`+tt.items+`}`)
			})
			gw := newTestGateway(t, mux)

			res := gw.CheckAvailability(context.Background(), start, end)
			assert.Equal(t, tt.want, res.Status)
			assert.NoError(t, res.Err)
		})
	}
}

func TestGoogleGateway_CheckAvailability_ProviderError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+eventsPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":{"code":400,"message":"bad window"}}`)
	})
	gw := newTestGateway(t, mux)

	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	res := gw.CheckAvailability(context.Background(), start, start.Add(time.Hour))

	assert.Equal(t, StatusError, res.Status)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, apperrors.ErrCalendar)
}

func TestGoogleGateway_CreateEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+eventsPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("sendUpdates"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Cita con Ana María", body["summary"])
		assert.Equal(t, "WhatsApp 573001112233", body["description"])

		start := body["start"].(map[string]any)
		assert.Equal(t, "2026-03-10T10:00:00-05:00", start["dateTime"])
		assert.Equal(t, "America/Bogota", start["timeZone"])

		attendees := body["attendees"].([]any)
		require.Len(t, attendees, 1)
		assert.Equal(t, "ana@example.com", attendees[0].(map[string]any)["email"])

		writeJSON(w, http.StatusOK, `{"id":"evt123","status":"confirmed"}`)
	})
	gw := newTestGateway(t, mux)

	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	id, err := gw.CreateEvent(context.Background(), NewEvent{
		Summary:       "Cita con Ana María",
		Description:   "WhatsApp 573001112233",
		Start:         start,
		End:           start.Add(time.Hour),
		AttendeeEmail: "ana@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt123", id)
}

func TestGoogleGateway_CreateEvent_Failure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+eventsPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"forbidden"}}`)
	})
	gw := newTestGateway(t, mux)

	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	id, err := gw.CreateEvent(context.Background(), NewEvent{Summary: "x", Start: start, End: start.Add(time.Hour)})
	assert.Empty(t, id)
	assert.ErrorIs(t, err, apperrors.ErrCalendar)
}

func TestGoogleGateway_UpdateEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH "+eventsPath+"/evt123", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2026-03-11T09:00:00-05:00", body["start"].(map[string]any)["dateTime"])
		assert.Equal(t, "2026-03-11T10:00:00-05:00", body["end"].(map[string]any)["dateTime"])
		writeJSON(w, http.StatusOK, `{"id":"evt123"}`)
	})
	mux.HandleFunc("PATCH "+eventsPath+"/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Not Found"}}`)
	})
	gw := newTestGateway(t, mux)

	start := time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	require.NoError(t, gw.UpdateEvent(context.Background(), "evt123", start, start.Add(time.Hour)))

	err := gw.UpdateEvent(context.Background(), "gone", start, start.Add(time.Hour))
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestGoogleGateway_DeleteEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE "+eventsPath+"/evt123", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE "+eventsPath+"/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Not Found"}}`)
	})
	mux.HandleFunc("DELETE "+eventsPath+"/deleted", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Resource has been deleted"}}`)
	})
	mux.HandleFunc("DELETE "+eventsPath+"/denied", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"forbidden"}}`)
	})
	gw := newTestGateway(t, mux)
	ctx := context.Background()

	assert.NoError(t, gw.DeleteEvent(ctx, "evt123"))
	assert.ErrorIs(t, gw.DeleteEvent(ctx, "missing"), ErrEventNotFound)
	assert.ErrorIs(t, gw.DeleteEvent(ctx, "deleted"), ErrEventNotFound)

	err := gw.DeleteEvent(ctx, "denied")
	assert.ErrorIs(t, err, apperrors.ErrCalendar)
	assert.NotErrorIs(t, err, ErrEventNotFound)
}

func TestGoogleGateway_CalendarIDDefaultsToPrimary(t *testing.T) {
	gw, err := NewGoogleGateway(context.Background(), GoogleConfig{Endpoint: "http://127.0.0.1:1/calendar/v3/"})
	require.NoError(t, err)
	assert.Equal(t, "primary", gw.CalendarID())
}
