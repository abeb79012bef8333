package domain

import (
	"testing"
	"time"
)

func value(v float64) *float64 { return &v }

func TestDecodeHeartbeatRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"entity_id":"nas-01","entity_name":"nas","cpu":55.5,"disk":81,"sent_at":1772366400000}`)
	hb, err := DecodeHeartbeat(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hb.EntityID != "nas-01" || hb.Memory != nil {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
	if got := hb.SentTime(); !got.Equal(time.UnixMilli(1772366400000).UTC()) {
		t.Fatalf("sent time mismatch: %s", got)
	}
}

func TestHeartbeatValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		hb      Heartbeat
		wantErr bool
	}{
		{"valid", Heartbeat{EntityID: "nas-01", CPU: value(10), SentAt: 1}, false},
		{"boundary values", Heartbeat{EntityID: "nas-01", CPU: value(0), Disk: value(100), SentAt: 1}, false},
		{"missing entity", Heartbeat{CPU: value(10), SentAt: 1}, true},
		{"blank entity", Heartbeat{EntityID: "  ", CPU: value(10), SentAt: 1}, true},
		{"no metrics", Heartbeat{EntityID: "nas-01", SentAt: 1}, true},
		{"negative value", Heartbeat{EntityID: "nas-01", Memory: value(-1), SentAt: 1}, true},
		{"over hundred", Heartbeat{EntityID: "nas-01", Disk: value(100.1), SentAt: 1}, true},
		{"zero sent_at", Heartbeat{EntityID: "nas-01", CPU: value(10)}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.hb.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHeartbeatSamplesKeepPresentMetricsOnly(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hb := Heartbeat{EntityID: "nas-01", EntityName: "nas", CPU: value(50), Disk: value(90), SentAt: at.UnixMilli()}

	samples := hb.Samples(at)
	if len(samples) != 2 {
		t.Fatalf("expected two samples, got %+v", samples)
	}
	if samples[0].Metric != MetricCPU || samples[0].Value != 50 {
		t.Fatalf("cpu sample mismatch: %+v", samples[0])
	}
	if samples[1].Metric != MetricDisk || samples[1].Value != 90 {
		t.Fatalf("disk sample mismatch: %+v", samples[1])
	}
	if !samples[0].ObservedAt.Equal(at) {
		t.Fatalf("observation time mismatch: %+v", samples[0])
	}
}

func TestDecodeHeartbeatRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := DecodeHeartbeat([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := DecodeHeartbeat([]byte(`{"entity_id":"","cpu":1,"sent_at":1}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}
