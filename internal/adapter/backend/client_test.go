package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trashtrack-station/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:       srv.URL,
		DeviceID:      "rpi5-001",
		DeviceSecret:  "s3cret",
		PollTimeout:   time.Second,
		ReportTimeout: time.Second,
		Breaker:       BreakerConfig{MaxFailures: 2, Timeout: time.Minute},
	}, srv.Client(), newTestLogger())
	require.NoError(t, err)
	return c
}

func float(v float64) *float64 { return &v }

func TestActiveSession_Active(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/sessions/active", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get(DeviceSecretHeader))
		_, _ = io.WriteString(w, `{"active":true,"session":{"session_id":"sess-1","device_id":"rpi5-001","start_time":"2026-03-01 10:00:00"}}`)
	})

	s, err := c.ActiveSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, "rpi5-001", s.DeviceID)
	assert.Equal(t, 2026, s.StartTime.Year())
}

func TestActiveSession_Inactive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"active":false,"session":null}`)
	})

	s, err := c.ActiveSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestActiveSession_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"Invalid device secret"}`)
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `not json`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.ActiveSession(context.Background())
			assert.ErrorIs(t, err, domain.ErrBackendUnreachable)
			assert.NotErrorIs(t, err, domain.ErrSessionEnded)
		})
	}
}

func TestActiveSession_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, PollTimeout: time.Second}, nil, newTestLogger())
	require.NoError(t, err)
	_, err = c.ActiveSession(context.Background())
	assert.ErrorIs(t, err, domain.ErrBackendUnreachable)
}

func TestActiveSession_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})
	c.cfg.PollTimeout = 50 * time.Millisecond

	_, err := c.ActiveSession(context.Background())
	assert.ErrorIs(t, err, domain.ErrBackendUnreachable)
	assert.Equal(t, domain.CodeBackendTimeout, domain.ErrorCodeOf(err))
}

func TestPostDetections_Created(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sessions/sess-1/detections", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get(DeviceSecretHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string][]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body["results"], 2)
		assert.Equal(t, "pizza", body["results"][0]["category"])
		assert.InDelta(t, 0.12, body["results"][0]["amount_kg"], 1e-9)
		assert.Nil(t, body["results"][1]["amount_kg"])

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"status":"accepted","session_id":"sess-1","new_detections":2,"total_detections":7}`)
	})

	ack, err := c.PostDetections(context.Background(), "sess-1", []domain.DetectionReport{
		{Category: "pizza", AvgConfidence: 0.82, TotalWeightKg: float(0.12), ItemCount: 1},
		{Category: "nothing", AvgConfidence: 0.9, ItemCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", ack.Status)
	assert.Equal(t, 2, ack.NewDetections)
	assert.Equal(t, 7, ack.TotalDetections)
}

func TestPostDetections_SessionEnded(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGone} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				_, _ = io.WriteString(w, `{"error":"Session is already stopped"}`)
			})
			_, err := c.PostDetections(context.Background(), "sess-1", []domain.DetectionReport{{Category: "pizza", ItemCount: 1}})
			assert.ErrorIs(t, err, domain.ErrSessionEnded)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, status, se.StatusCode)
			assert.Equal(t, "Session is already stopped", se.Message)
		})
	}
}

func TestPostDetections_OtherStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.PostDetections(context.Background(), "sess-1", []domain.DetectionReport{{Category: "pizza"}})
	assert.ErrorIs(t, err, domain.ErrBackendStatus)
	assert.NotErrorIs(t, err, domain.ErrSessionEnded)
}

func TestPostDetections_ServerErrorKeepsStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.PostDetections(context.Background(), "sess-1", []domain.DetectionReport{{Category: "pizza"}})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}

func TestPostDetections_EscapesSessionID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/a%2Fb/detections", r.URL.EscapedPath())
		w.WriteHeader(http.StatusCreated)
	})
	_, err := c.PostDetections(context.Background(), "a/b", []domain.DetectionReport{{Category: "pizza"}})
	require.NoError(t, err)
}

func TestPostDetections_EmptySessionID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.PostDetections(context.Background(), "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBreaker_OpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for range 2 {
		_, err := c.ActiveSession(context.Background())
		assert.ErrorIs(t, err, domain.ErrBackendUnreachable)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.ActiveSession(context.Background())
	assert.ErrorIs(t, err, domain.ErrBackendUnreachable)
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the server")
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	for range 5 {
		_, _ = c.PostDetections(context.Background(), "sess-1", []domain.DetectionReport{{Category: "pizza"}})
	}
	assert.Equal(t, gobreaker.StateClosed, c.State())
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "localhost:3001"}, nil, newTestLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, 2026, parseTimestamp("2026-03-01T10:00:00Z").Year())
	assert.Equal(t, 10, parseTimestamp("2026-03-01 10:00:00").Hour())
	assert.True(t, parseTimestamp("yesterday").IsZero())
}
