package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glimmerhq/dashcache/pkg/interval"
	"github.com/glimmerhq/dashcache/pkg/session"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testInterval() interval.Interval {
	return interval.Interval{From: day(2025, 1, 13), To: day(2025, 1, 19)}
}

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *session.MemStore, *fakeClock) {
	t.Helper()
	st := session.NewMemStore(0)
	clk := &fakeClock{t: time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return NewManager(st, opts...), st, clk
}

func TestSetGetRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	iv := testInterval()
	payload := json.RawMessage(`{"total":1234}`)

	m.Set(ctx, "weekly_chart|2025-01-13|2025-01-19", iv, payload)

	got, ok := m.Get(ctx, "weekly_chart|2025-01-13|2025-01-19", iv)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload changed: %s", got)
	}

	// Idempotence: a second Get with no intervening Set returns the same bytes.
	again, ok := m.Get(ctx, "weekly_chart|2025-01-13|2025-01-19", iv)
	if !ok || string(again) != string(got) {
		t.Fatalf("second get differs: ok=%v %s", ok, again)
	}
}

func TestGetMissesOnDifferentInterval(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	m.Set(ctx, "k", testInterval(), json.RawMessage(`1`))

	other := interval.Interval{From: day(2025, 1, 20), To: day(2025, 1, 26)}
	if _, ok := m.Get(ctx, "k", other); ok {
		t.Fatal("entry for a different interval must miss")
	}
}

func TestTTLExpiry(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	iv := testInterval()

	m.Set(ctx, "weekly_chart", iv, json.RawMessage(`{"n":1}`), time.Second)

	clk.advance(1100 * time.Millisecond)
	if _, ok := m.Get(ctx, "weekly_chart", iv); ok {
		t.Fatal("expired entry must miss")
	}
	// Retrying the miss must be safe.
	if _, ok := m.Get(ctx, "weekly_chart", iv); ok {
		t.Fatal("second get after expiry must still miss")
	}
}

func TestDefaultAndOverrideTTL(t *testing.T) {
	m, _, clk := newTestManager(t, WithDefaultTTL(10*time.Minute))
	ctx := context.Background()
	iv := testInterval()

	m.Set(ctx, "long", iv, json.RawMessage(`1`))
	m.Set(ctx, "short", iv, json.RawMessage(`2`), CompositeTTL)

	clk.advance(6 * time.Minute)
	if _, ok := m.Get(ctx, "long", iv); !ok {
		t.Fatal("default-TTL entry should still be valid at 6m")
	}
	if _, ok := m.Get(ctx, "short", iv); ok {
		t.Fatal("composite-TTL entry should be expired at 6m")
	}
}

func TestClearScoped(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	iv := testInterval()
	m.Set(ctx, "a", iv, json.RawMessage(`1`))
	m.Set(ctx, "b", iv, json.RawMessage(`2`))

	m.Clear("a")
	if _, ok := m.Get(ctx, "a", iv); ok {
		t.Fatal("a should be cleared")
	}
	if _, ok := m.Get(ctx, "b", iv); !ok {
		t.Fatal("b should survive a scoped clear")
	}

	m.Clear()
	if m.Len() != 0 {
		t.Fatal("unscoped clear should empty the memory tier")
	}
}

func TestForceClearDropsPersistedState(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	iv := testInterval()
	m.Set(ctx, "a", iv, json.RawMessage(`1`))
	m.NavigateAway(ctx, "detail_view")
	if st.Len() == 0 {
		t.Fatal("navigate away should persist state")
	}

	m.ForceClear(ctx)
	if m.Len() != 0 || st.Len() != 0 {
		t.Fatalf("force clear left state: mem=%d store=%d", m.Len(), st.Len())
	}
}
