package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/4xmen/taskchat/internal/db"
	"github.com/4xmen/taskchat/pkg/config"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{input: 0, want: "0 B"},
		{input: 1023, want: "1023 B"},
		{input: 1024, want: "1.0 KiB"},
		{input: 1536, want: "1.5 KiB"},
		{input: 1048576, want: "1.0 MiB"},
	}

	for _, tt := range tests {
		got := formatBytes(tt.input)
		if got != tt.want {
			t.Fatalf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := formatTimestamp(""); got != "n/a" {
		t.Fatalf("formatTimestamp(empty) = %q, want %q", got, "n/a")
	}

	const ts = "2026-02-18 10:00:00"
	if got := formatTimestamp(ts); got != ts {
		t.Fatalf("formatTimestamp(value) = %q, want %q", got, ts)
	}
}

func TestParseStatusArgs(t *testing.T) {
	opts, err := parseStatusArgs([]string{"--json"})
	if err != nil {
		t.Fatalf("parseStatusArgs returned error: %v", err)
	}
	if !opts.JSON {
		t.Fatalf("parseStatusArgs JSON = false, want true")
	}

	if _, err := parseStatusArgs([]string{"--bad"}); err == nil {
		t.Fatalf("parseStatusArgs expected error for unknown flag")
	}
}

func TestPrintStatusJSON(t *testing.T) {
	status := appStatus{
		GeneratedAt:  time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC),
		Environment:  "development",
		Port:         "8080",
		DatabasePath: "/tmp/taskchat.db",
		Stats:        db.Stats{Users: 3, Messages: 12},
	}

	var out bytes.Buffer
	if err := printStatusJSON(&out, status); err != nil {
		t.Fatalf("printStatusJSON returned error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}

	if payload["environment"] != "development" {
		t.Fatalf("unexpected environment: %#v", payload["environment"])
	}
	metrics, ok := payload["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("metrics missing: %#v", payload["metrics"])
	}
	if metrics["users"] != float64(3) || metrics["messages"] != float64(12) {
		t.Fatalf("unexpected metrics: %#v", metrics)
	}
}

func TestCollectStatus(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskchat.db")
	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	_, err = database.GetConn().Exec(`
		INSERT INTO users (id, username, password_hash) VALUES (3, 'alice', 'x');
		INSERT INTO messages (room_id, room_type, sender_id, sender_username, content) VALUES ('direct-3-7', 'direct', 3, 'alice', 'hi');
	`)
	database.Close()
	if err != nil {
		t.Fatalf("failed to seed database: %v", err)
	}

	status := collectStatus(&config.Config{Environment: "test", Port: "9090", DatabasePath: dbPath})
	if !status.DBMetricsReady {
		t.Fatalf("metrics not ready: %s", status.DBWarning)
	}
	if status.Stats.Users != 1 || status.Stats.Messages != 1 || status.Stats.Rooms != 1 {
		t.Fatalf("unexpected stats: %+v", status.Stats)
	}
	if status.DBSize == 0 {
		t.Fatal("expected a non-empty database file")
	}

	var out bytes.Buffer
	printStatus(&out, status)
	if !strings.Contains(out.String(), "Messages          : 1") {
		t.Fatalf("unexpected status output:\n%s", out.String())
	}
}

func TestCollectStatusMissingDatabase(t *testing.T) {
	status := collectStatus(&config.Config{DatabasePath: filepath.Join(t.TempDir(), "missing.db")})
	if status.DBMetricsReady {
		t.Fatal("metrics should not be ready without a database")
	}
	if status.DBWarning == "" {
		t.Fatal("expected a database warning")
	}
}
