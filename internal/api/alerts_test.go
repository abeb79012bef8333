package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetalert/internal/domain"
	"fleetalert/internal/state"
)

// fakeService returns canned responses for handler tests.
type fakeService struct {
	alerts     []domain.Alert
	lastFilter state.ListFilter
	mutateErr  error
}

func (f *fakeService) ListAlerts(_ context.Context, filter state.ListFilter) ([]domain.Alert, error) {
	f.lastFilter = filter
	return f.alerts, nil
}

func (f *fakeService) Acknowledge(_ context.Context, id string) (domain.Alert, error) {
	if f.mutateErr != nil {
		return domain.Alert{}, f.mutateErr
	}
	return domain.Alert{ID: id, Status: domain.StatusAcknowledged}, nil
}

func (f *fakeService) Resolve(_ context.Context, id string) (domain.Alert, error) {
	if f.mutateErr != nil {
		return domain.Alert{}, f.mutateErr
	}
	return domain.Alert{ID: id, Status: domain.StatusResolved}, nil
}

func newTestMux(service *fakeService) *http.ServeMux {
	mux := http.NewServeMux()
	NewAlertHandler(service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)
	return mux
}

func TestAlertListPassesFilters(t *testing.T) {
	t.Parallel()

	service := &fakeService{alerts: []domain.Alert{{ID: "a-1", EntityID: "nas-01", CreatedAt: time.Now().UTC()}}}
	mux := newTestMux(service)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/alerts?entity=nas-01&status=open&severity=critical&limit=5&offset=10", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if service.lastFilter.EntityID != "nas-01" || service.lastFilter.Status != domain.StatusOpen || service.lastFilter.Limit != 5 {
		t.Fatalf("filter not forwarded: %+v", service.lastFilter)
	}
	if service.lastFilter.Severity != domain.SeverityCritical || service.lastFilter.Offset != 10 {
		t.Fatalf("severity/offset not forwarded: %+v", service.lastFilter)
	}

	var payload struct {
		Alerts []domain.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Count != 1 || len(payload.Alerts) != 1 || payload.Alerts[0].ID != "a-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAlertListRejectsBadQuery(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeService{})

	for _, target := range []string{
		"/api/alerts?status=bogus",
		"/api/alerts?severity=none",
		"/api/alerts?severity=warning",
		"/api/alerts?limit=0",
		"/api/alerts?limit=ten",
		"/api/alerts?offset=-1",
		"/api/alerts?offset=three",
	} {
		recorder := httptest.NewRecorder()
		mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, recorder.Code)
		}
	}
}

func TestAlertMutationRoutes(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	mux := newTestMux(service)

	for _, tc := range []struct {
		path       string
		wantStatus domain.Status
	}{
		{"/api/alerts/a-1/acknowledge", domain.StatusAcknowledged},
		{"/api/alerts/a-1/resolve", domain.StatusResolved},
	} {
		recorder := httptest.NewRecorder()
		mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, tc.path, nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.path, recorder.Code)
		}
		var alert domain.Alert
		if err := json.Unmarshal(recorder.Body.Bytes(), &alert); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if alert.Status != tc.wantStatus {
			t.Fatalf("%s: unexpected status %s", tc.path, alert.Status)
		}
	}
}

func TestAlertMutationErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("alert %q: %w", "a-1", state.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("alert %q is resolved: %w", "a-1", state.ErrConflict), http.StatusConflict},
		{fmt.Errorf("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		service := &fakeService{mutateErr: tc.err}
		mux := newTestMux(service)

		recorder := httptest.NewRecorder()
		mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/alerts/a-1/acknowledge", nil))
		if recorder.Code != tc.code {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.code, recorder.Code)
		}
	}
}
