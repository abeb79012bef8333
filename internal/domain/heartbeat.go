package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Heartbeat is one normalized agent report with per-metric usage readings.
// Params: entity identity, optional metric percentages, and send timestamp.
// Returns: validated heartbeat payload for lifecycle evaluation.
type Heartbeat struct {
	EntityID   string   `json:"entity_id"`
	EntityName string   `json:"entity_name,omitempty"`
	CPU        *float64 `json:"cpu,omitempty"`
	Memory     *float64 `json:"memory,omitempty"`
	Disk       *float64 `json:"disk,omitempty"`
	SentAt     int64    `json:"sent_at"`
}

// SentTime converts milliseconds unix timestamp into UTC time.
// Params: none.
// Returns: converted UTC time.
func (h Heartbeat) SentTime() time.Time {
	return time.UnixMilli(h.SentAt).UTC()
}

// MetricSample is one ephemeral evaluation input for one metric.
// Params: entity identity, metric type, value, and observation time.
// Returns: sample consumed and discarded by the threshold evaluator.
type MetricSample struct {
	EntityID   string
	EntityName string
	Metric     MetricType
	Value      float64
	ObservedAt time.Time
}

// DecodeHeartbeat decodes and validates one heartbeat payload.
// Params: JSON document bytes.
// Returns: validated heartbeat or decode/validation error.
func DecodeHeartbeat(raw []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	if err := hb.Validate(); err != nil {
		return Heartbeat{}, err
	}
	return hb, nil
}

// Validate validates one heartbeat against the ingestion contract.
// Params: heartbeat fields parsed from transport.
// Returns: validation error when the payload is malformed.
func (h Heartbeat) Validate() error {
	if strings.TrimSpace(h.EntityID) == "" {
		return errors.New("entity_id is required")
	}
	if h.SentAt <= 0 {
		return errors.New("sent_at must be >0")
	}
	if h.CPU == nil && h.Memory == nil && h.Disk == nil {
		return errors.New("at least one metric value is required")
	}
	for _, reading := range []struct {
		name  string
		value *float64
	}{
		{"cpu", h.CPU},
		{"memory", h.Memory},
		{"disk", h.Disk},
	} {
		if reading.value == nil {
			continue
		}
		if *reading.value < 0 || *reading.value > 100 {
			return fmt.Errorf("%s must be within [0,100], got %v", reading.name, *reading.value)
		}
	}
	return nil
}

// Samples expands the heartbeat into per-metric evaluation inputs.
// Params: observation time assigned by the processing clock.
// Returns: one sample per present metric reading in deterministic order.
func (h Heartbeat) Samples(observedAt time.Time) []MetricSample {
	samples := make([]MetricSample, 0, 3)
	appendSample := func(metric MetricType, value *float64) {
		if value == nil {
			return
		}
		samples = append(samples, MetricSample{
			EntityID:   h.EntityID,
			EntityName: h.EntityName,
			Metric:     metric,
			Value:      *value,
			ObservedAt: observedAt,
		})
	}
	appendSample(MetricCPU, h.CPU)
	appendSample(MetricMemory, h.Memory)
	appendSample(MetricDisk, h.Disk)
	return samples
}
