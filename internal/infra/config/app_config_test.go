package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
environment: dev
messages:
  databasePath: /var/lib/bridge/chat.db
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Poller.Interval.Std() != 2*time.Second {
		t.Fatalf("poller interval default: %v", cfg.Poller.Interval)
	}
	if cfg.Poller.Lookback.Std() != 15*time.Minute {
		t.Fatalf("poller lookback default: %v", cfg.Poller.Lookback)
	}
	if len(cfg.Broker.RetryDelays) != 3 || cfg.Broker.RetryDelays[0].Std() != 5*time.Second {
		t.Fatalf("broker retry delays default: %v", cfg.Broker.RetryDelays)
	}
	if cfg.Delivery.MaxRetries != 3 || cfg.Delivery.Workers != 4 {
		t.Fatalf("delivery defaults: %+v", cfg.Delivery)
	}
	if !cfg.Messages.IncludeConversationEnabled() || !cfg.Messages.ParseRichTextEnabled() {
		t.Fatalf("message toggles should default on: %+v", cfg.Messages)
	}
	if cfg.Database.DSN == "" || cfg.Database.MaxConns != 16 {
		t.Fatalf("database defaults: %+v", cfg.Database)
	}
	if cfg.Telemetry.ServiceName != "webhook-bridge" {
		t.Fatalf("telemetry service name default: %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadOverrides(t *testing.T) {
	body := `
environment: prod
messages:
  databasePath: /data/chat.db
  includeConversation: false
poller:
  interval: 5s
  lookback: 30m
  pageSize: 50
broker:
  url: amqp://broker.internal:5672/
  retryDelays: [1s, 2s]
delivery:
  timeout: 3s
  maxRetries: 2
  workers: 8
database:
  dsn: postgresql://bridge@db.internal:5432/bridge
  runMigrations: true
`
	cfg, err := Load(context.Background(), writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Environment != EnvProd {
		t.Fatalf("environment: %q", cfg.Environment)
	}
	if cfg.Messages.IncludeConversationEnabled() {
		t.Fatalf("includeConversation override ignored")
	}
	if cfg.Poller.Interval.Std() != 5*time.Second || cfg.Poller.PageSize != 50 {
		t.Fatalf("poller overrides: %+v", cfg.Poller)
	}
	if len(cfg.Broker.RetryDelays) != 2 {
		t.Fatalf("broker retry delays: %v", cfg.Broker.RetryDelays)
	}
	if cfg.Delivery.MaxRetries != 2 || cfg.Delivery.Workers != 8 {
		t.Fatalf("delivery overrides: %+v", cfg.Delivery)
	}
	if !cfg.Database.RunMigrations {
		t.Fatalf("runMigrations override ignored")
	}
}

func TestLoadRejectsMissingDatabasePath(t *testing.T) {
	_, err := Load(context.Background(), writeConfig(t, "environment: dev\n"))
	if err == nil || !strings.Contains(err.Error(), "databasePath") {
		t.Fatalf("expected databasePath error, got %v", err)
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	body := `
environment: sandbox
messages:
  databasePath: /data/chat.db
`
	_, err := Load(context.Background(), writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "environment") {
		t.Fatalf("expected environment error, got %v", err)
	}
}

func TestLoadRejectsRetriesBeyondTiers(t *testing.T) {
	body := `
environment: dev
messages:
  databasePath: /data/chat.db
broker:
  retryDelays: [1s]
delivery:
  maxRetries: 2
`
	_, err := Load(context.Background(), writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "retry tiers") {
		t.Fatalf("expected retry tier error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
