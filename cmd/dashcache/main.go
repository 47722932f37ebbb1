// Command dashcache runs one fetch cycle of the dashboard data layer against
// a live analytics API and prints per-dataset results plus the aggregate
// loading overview. Useful for smoke-testing an API deployment and for
// inspecting cache/session-store behavior outside the UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/glimmerhq/dashcache/pkg/apiclient"
	"github.com/glimmerhq/dashcache/pkg/cache"
	"github.com/glimmerhq/dashcache/pkg/config"
	"github.com/glimmerhq/dashcache/pkg/dataset"
	"github.com/glimmerhq/dashcache/pkg/fetch"
	"github.com/glimmerhq/dashcache/pkg/interval"
	dashotel "github.com/glimmerhq/dashcache/pkg/otel"
	"github.com/glimmerhq/dashcache/pkg/registry"
	"github.com/glimmerhq/dashcache/pkg/session"
	"github.com/glimmerhq/dashcache/pkg/session/sqlstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var (
		showVersion bool
		fromArg     string
		toArg       string
		apiBase     string
		dsn         string
		traceStdout bool
	)

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&fromArg, "from", "", "interval start (YYYY-MM-DD), default yesterday")
	flag.StringVar(&toArg, "to", "", "interval end (YYYY-MM-DD), default yesterday")
	flag.StringVar(&apiBase, "api", getEnv("DASH_API_BASE_URL", ""), "analytics API base URL")
	flag.StringVar(&dsn, "dsn", getEnv("DASH_SESSION_DSN", ""), "session store DSN")
	flag.BoolVar(&traceStdout, "trace-stdout", false, "export traces to stdout")
	flag.Parse()

	if showVersion {
		fmt.Printf("dashcache %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if apiBase != "" {
		cfg.APIBaseURL = apiBase
	}
	if dsn != "" {
		cfg.SessionDSN = dsn
	}

	iv, err := parseInterval(fromArg, toArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "interval: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	shutdown, err := dashotel.Init(ctx, dashotel.Config{
		ServiceName:    "dashcache",
		ServiceVersion: version,
		UseStdout:      traceStdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = shutdown(ctx) }()

	if err := run(ctx, cfg, iv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dashcache: %v\n", err)
		os.Exit(1)
	}
}

// run wires the full stack, drives one fetch cycle, and prints the outcome.
func run(ctx context.Context, cfg config.Config, iv interval.Interval, out io.Writer) error {
	var store session.Store
	sqlStore, err := sqlstore.Open(ctx, cfg.SessionDSN, cfg.SessionQuotaBytes)
	if err != nil {
		// The cache degrades to memory-only rather than failing the run.
		fmt.Fprintf(out, "session store unavailable (%v), continuing without persistence\n", err)
		store = session.NewMemStore(0)
	} else {
		if err := sqlStore.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate session store: %w", err)
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
	}

	cm := cache.NewManager(store,
		cache.WithDefaultTTL(cfg.DefaultTTL),
		cache.WithGraceWindow(cfg.GraceWindow),
	)
	reg := registry.New(
		registry.WithWatchdogBound(cfg.WatchdogTimeout),
		registry.WithMaxRetries(cfg.MaxRetries),
	)
	client := apiclient.New(cfg.APIBaseURL, apiclient.WithTimeout(cfg.RequestTimeout))

	descs := dataset.Defaults()
	for i := range descs {
		if descs[i].Kind == interval.CustomRange {
			descs[i].TTL = cfg.CompositeTTL
		} else {
			descs[i].TTL = cfg.DefaultTTL
		}
	}
	broker := fetch.NewBroker(client, cm, reg, fetch.Config{
		Debounce:   cfg.DebounceWindow,
		MinDisplay: cfg.MinDisplay,
		Retry: fetch.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseDelay,
			Factor:     2,
			MaxDelay:   8 * time.Second,
		},
	}, descs...)
	defer broker.Close()

	// Honor a snapshot persisted by a previous instance inside the grace
	// window, then persist on the way out for the next one.
	if cm.NavigateBack(ctx) {
		fmt.Fprintln(out, "session snapshot rehydrated")
	}
	defer cm.NavigateAway(ctx, "cli_exit")

	fmt.Fprintf(out, "interval %s\n", iv)
	broker.SetInterval(iv)

	// Let the debounce window pass so eligible fetches register; an empty
	// ledger reads as 100% progress and would end the poll too early.
	time.Sleep(cfg.DebounceWindow + 50*time.Millisecond)

	deadline := time.Now().Add(cfg.WatchdogTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		ov := broker.Global()
		if !ov.GlobalLoading && ov.Progress >= 100 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, d := range descs {
		st, _ := broker.State(d.Name)
		switch {
		case st.Err != nil:
			fmt.Fprintf(out, "%-15s error: %v\n", d.Name, st.Err)
		case st.Data != nil:
			fmt.Fprintf(out, "%-15s %d bytes\n", d.Name, len(st.Data))
		default:
			fmt.Fprintf(out, "%-15s not eligible for this interval\n", d.Name)
		}
	}

	ov := broker.Global()
	fmt.Fprintf(out, "progress %.0f%% (%d calls, %d failed)\n",
		ov.Progress, ov.TotalCount, len(ov.Failed))
	return nil
}

// parseInterval builds the interval from flag values; both default to
// yesterday, giving a single-day cycle.
func parseInterval(fromArg, toArg string) (interval.Interval, error) {
	yesterday := time.Now().AddDate(0, 0, -1).Format(interval.DayFormat)
	if fromArg == "" {
		fromArg = yesterday
	}
	if toArg == "" {
		toArg = fromArg
	}
	from, err := time.ParseInLocation(interval.DayFormat, fromArg, time.Local)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("bad -from %q: %w", fromArg, err)
	}
	to, err := time.ParseInLocation(interval.DayFormat, toArg, time.Local)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("bad -to %q: %w", toArg, err)
	}
	iv := interval.Interval{From: from, To: to}
	if !iv.Valid() {
		return interval.Interval{}, fmt.Errorf("from %s is after to %s", fromArg, toArg)
	}
	return iv, nil
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
