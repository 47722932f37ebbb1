package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimmerhq/dashcache/pkg/config"
	"github.com/glimmerhq/dashcache/pkg/interval"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	if got := getEnv("FOO", "default"); got != "bar" {
		t.Fatalf("getEnv returned %q, want %q", got, "bar")
	}
	if got := getEnv("MISSING", "default"); got != "default" {
		t.Fatalf("getEnv returned %q, want %q", got, "default")
	}
}

func TestParseInterval(t *testing.T) {
	iv, err := parseInterval("2025-01-13", "2025-01-19")
	if err != nil {
		t.Fatal(err)
	}
	if iv.Days() != 7 {
		t.Fatalf("days=%d", iv.Days())
	}

	// Defaulting: no args means yesterday..yesterday.
	iv, err = parseInterval("", "")
	if err != nil {
		t.Fatal(err)
	}
	if !interval.Matches(interval.SingleDay, iv) {
		t.Fatalf("default interval should be a single day: %v", iv)
	}

	if _, err := parseInterval("2025-01-19", "2025-01-13"); err == nil {
		t.Fatal("inverted interval should error")
	}
	if _, err := parseInterval("13/01/2025", ""); err == nil {
		t.Fatal("bad format should error")
	}
}

func TestRunCycleAgainstFakeAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/weekly"):
			_, _ = w.Write([]byte(`{"success":true,"message":"ok","data":{"points":[1,2,3]}}`))
		default:
			_, _ = w.Write([]byte(`{"success":true,"message":"ok","data":{"total_sales":1,"points":[],"days":[]}}`))
		}
	}))
	defer srv.Close()

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.APIBaseURL = srv.URL
	cfg.SessionDSN = "sqlite:file:maintest?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	cfg.DebounceWindow = 5 * time.Millisecond
	cfg.WatchdogTimeout = 5 * time.Second

	iv, _ := parseInterval("2025-01-13", "2025-01-19")
	var out bytes.Buffer
	if err := run(context.Background(), cfg, iv, &out); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	if !strings.Contains(got, "weekly_chart") {
		t.Fatalf("output missing dataset summary:\n%s", got)
	}
	if !strings.Contains(got, "progress 100%") {
		t.Fatalf("cycle did not complete:\n%s", got)
	}
}
