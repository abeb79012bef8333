package app

import (
	"testing"

	"fleetalert/internal/config"
)

func reloadBaseConfig() config.Config {
	cfg := testConfig()
	cfg.Storage = config.StorageConfig{Driver: config.StorageMemory}
	cfg.Ingest.HTTP = config.HTTPIngestConfig{Enabled: true, Listen: ":8080", HeartbeatPath: "/api/heartbeat"}
	cfg.Notify.Webhook = config.WebhookNotifier{URL: "https://hooks.example.test/T1", TimeoutSec: 10}
	cfg.Notify.Queue = config.QueueConfig{Capacity: 100, MaxAttempts: 3, BackoffSec: []int{5, 15, 45}, ScanMS: 1000}
	return cfg
}

func TestValidateReloadAcceptsPolicyChanges(t *testing.T) {
	t.Parallel()

	current := reloadBaseConfig()
	next := reloadBaseConfig()
	next.Threshold.CPU.High = 70
	next.Cooldown.CriticalMin = 15
	next.Offline.TimeoutSec = 300
	next.Notify.OnRemediation = !current.Notify.OnRemediation

	if err := validateReload(current, next); err != nil {
		t.Fatalf("policy-only changes must reload: %v", err)
	}
}

func TestValidateReloadRejectsRestartOnlyChanges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"storage driver", func(cfg *config.Config) { cfg.Storage.Driver = config.StoragePostgres }},
		{"http listen", func(cfg *config.Config) { cfg.Ingest.HTTP.Listen = ":9090" }},
		{"nats enable", func(cfg *config.Config) { cfg.Ingest.NATS.Enabled = true }},
		{"webhook url", func(cfg *config.Config) { cfg.Notify.Webhook.URL = "https://hooks.example.test/T2" }},
		{"queue backoff", func(cfg *config.Config) { cfg.Notify.Queue.BackoffSec = []int{1, 2, 3} }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next := reloadBaseConfig()
			tc.mutate(&next)
			if err := validateReload(reloadBaseConfig(), next); err == nil {
				t.Fatalf("%s change must require a restart", tc.name)
			}
		})
	}
}
