package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// recordingSink captures heartbeats pushed through the handler.
type recordingSink struct {
	heartbeats []domain.Heartbeat
	err        error
}

func (s *recordingSink) EvaluateHeartbeat(_ context.Context, hb domain.Heartbeat) error {
	s.heartbeats = append(s.heartbeats, hb)
	return s.err
}

func newTestHandler(sink *recordingSink, maxBody int64) *HeartbeatHandler {
	return NewHeartbeatHandler(
		config.HTTPIngestConfig{MaxBodyBytes: maxBody},
		sink,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics.New(prometheus.NewRegistry()),
	)
}

func TestHeartbeatHandlerAcceptsValidPayload(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := newTestHandler(sink, 1<<20)

	body := `{"entity_id":"nas-01","entity_name":"nas-01","cpu":91.5,"memory":40,"sent_at":1772366400000}`
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/heartbeat", strings.NewReader(body)))

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	if len(sink.heartbeats) != 1 || sink.heartbeats[0].EntityID != "nas-01" {
		t.Fatalf("sink did not receive heartbeat: %+v", sink.heartbeats)
	}
	if sink.heartbeats[0].CPU == nil || *sink.heartbeats[0].CPU != 91.5 {
		t.Fatalf("cpu value lost: %+v", sink.heartbeats[0])
	}
}

func TestHeartbeatHandlerRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"missing entity", `{"cpu":10,"sent_at":1772366400000}`},
		{"no metrics", `{"entity_id":"nas-01","sent_at":1772366400000}`},
		{"out of range", `{"entity_id":"nas-01","cpu":140,"sent_at":1772366400000}`},
		{"missing sent_at", `{"entity_id":"nas-01","cpu":10}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &recordingSink{}
			handler := newTestHandler(sink, 1<<20)

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/heartbeat", strings.NewReader(tc.body)))

			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
			if len(sink.heartbeats) != 0 {
				t.Fatalf("invalid payload must not reach the sink")
			}
		})
	}
}

func TestHeartbeatHandlerLimitsBodySize(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := newTestHandler(sink, 16)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/heartbeat", strings.NewReader(strings.Repeat("x", 64))))

	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestHeartbeatHandlerReportsEvaluationFailure(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errors.New("store down")}
	handler := newTestHandler(sink, 1<<20)

	body := `{"entity_id":"nas-01","cpu":10,"sent_at":1772366400000}`
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/heartbeat", strings.NewReader(body)))

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}
