package sessionclock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const listener = "0x00000000000000000000000000000000000000a1"

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// recordingReporter accepts windows like the server would: a window that does
// not start at or after the last accepted end is already credited.
type recordingReporter struct {
	mu       sync.Mutex
	accepted []Report
	attempts []Report
	failNext int
	total    int64
}

func (r *recordingReporter) Report(_ context.Context, rep Report) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, rep)
	if r.failNext > 0 {
		r.failNext--
		return 0, errors.New("connection reset")
	}
	if n := len(r.accepted); n > 0 && rep.Start.Before(r.accepted[n-1].End) {
		return 0, ErrAlreadyCredited
	}
	r.accepted = append(r.accepted, rep)
	r.total += rep.Duration
	return r.total, nil
}

func newTestClock(rep Reporter, store TotalStore) (*Clock, *fakeClock) {
	fc := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)}
	c := New(Config{Identity: listener, StationID: "kexp", Cadence: time.Minute}, rep, store, nil)
	c.Now = fc.Now
	return c, fc
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

func TestClock_ContiguousWindows(t *testing.T) {
	rep := &recordingReporter{}
	c, fc := newTestClock(rep, nil)
	ctx := context.Background()

	c.Start()
	for i := 0; i < 3; i++ {
		fc.Advance(600 * time.Second)
		if err := c.Flush(ctx); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	if len(rep.accepted) != 3 {
		t.Fatalf("accepted %d windows, want 3", len(rep.accepted))
	}
	for i := 1; i < len(rep.accepted); i++ {
		if !rep.accepted[i].Start.Equal(rep.accepted[i-1].End) {
			t.Errorf("window %d starts %v, previous ended %v", i, rep.accepted[i].Start, rep.accepted[i-1].End)
		}
	}
	if c.Verified() != 1800 {
		t.Errorf("verified: got %d, want 1800", c.Verified())
	}
}

func TestClock_SubSecondCarriesOver(t *testing.T) {
	rep := &recordingReporter{}
	c, fc := newTestClock(rep, nil)
	ctx := context.Background()

	c.Start()
	fc.Advance(1500 * time.Millisecond)
	_ = c.Flush(ctx)
	fc.Advance(1500 * time.Millisecond)
	_ = c.Flush(ctx)

	if len(rep.accepted) != 2 || rep.accepted[0].Duration != 1 || rep.accepted[1].Duration != 2 {
		t.Fatalf("windows: %+v", rep.accepted)
	}
}

func TestClock_FailedWindowRetriedUnchanged(t *testing.T) {
	rep := &recordingReporter{failNext: 2}
	c, fc := newTestClock(rep, nil)
	ctx := context.Background()

	c.Start()
	fc.Advance(60 * time.Second)
	if err := c.Flush(ctx); err == nil {
		t.Fatal("expected delivery error")
	}
	first := c.Pending()
	if first == nil {
		t.Fatal("failed window must stay pending")
	}

	fc.Advance(60 * time.Second)
	if err := c.Flush(ctx); err == nil {
		t.Fatal("expected delivery error")
	}
	if p := c.Pending(); p == nil || *p != *first {
		t.Fatalf("pending window changed: %+v vs %+v", p, first)
	}

	fc.Advance(60 * time.Second)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(rep.accepted) != 2 {
		t.Fatalf("accepted %d windows, want 2", len(rep.accepted))
	}
	if rep.accepted[0] != *first || rep.accepted[1].Duration != 120 {
		t.Errorf("windows: %+v", rep.accepted)
	}
	if c.Verified() != 180 {
		t.Errorf("verified: got %d, want 180", c.Verified())
	}
}

func TestClock_AlreadyCreditedCountsAsDelivered(t *testing.T) {
	rep := &recordingReporter{}
	c, fc := newTestClock(rep, nil)
	ctx := context.Background()

	c.Start()
	fc.Advance(60 * time.Second)
	_ = c.Flush(ctx)

	// Simulate a response lost after the server committed: resend the same window.
	dup := rep.accepted[0]
	c.mu.Lock()
	c.pending = &dup
	c.mu.Unlock()

	fc.Advance(60 * time.Second)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.Pending() != nil {
		t.Error("already-credited window must be cleared")
	}
	if len(rep.accepted) != 2 {
		t.Errorf("accepted %d windows, want 2", len(rep.accepted))
	}
}

func TestClock_StopReportsTail(t *testing.T) {
	rep := &recordingReporter{}
	c, fc := newTestClock(rep, nil)
	ctx := context.Background()

	c.Start()
	fc.Advance(45 * time.Second)
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.Playing() {
		t.Error("clock still playing after Stop")
	}
	fc.Advance(time.Hour)
	_ = c.Flush(ctx)

	if len(rep.accepted) != 1 || rep.accepted[0].Duration != 45 {
		t.Fatalf("windows: %+v", rep.accepted)
	}
}

func TestClock_StopWithPendingRetriesTailLater(t *testing.T) {
	rep := &recordingReporter{failNext: 1}
	c, fc := newTestClock(rep, nil)
	ctx := context.Background()

	c.Start()
	fc.Advance(30 * time.Second)
	_ = c.Flush(ctx)
	fc.Advance(20 * time.Second)
	_ = c.Stop(ctx)
	fc.Advance(time.Hour)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(rep.accepted) != 2 || rep.accepted[0].Duration != 30 || rep.accepted[1].Duration != 20 {
		t.Fatalf("windows: %+v", rep.accepted)
	}
}

func TestClock_MaxWindowSplits(t *testing.T) {
	rep := &recordingReporter{}
	c, fc := newTestClock(rep, nil)
	c.cfg.MaxWindow = 10 * time.Minute
	ctx := context.Background()

	c.Start()
	fc.Advance(25 * time.Minute)
	for i := 0; i < 3; i++ {
		_ = c.Flush(ctx)
	}
	if len(rep.accepted) != 3 || rep.accepted[2].Duration != 300 {
		t.Fatalf("windows: %+v", rep.accepted)
	}
}

func TestClock_RejectedWindowDropped(t *testing.T) {
	c, fc := newTestClock(reporterFunc(func(context.Context, Report) (int64, error) {
		return 0, fmt.Errorf("%w: 422 invalid_interval", ErrRejected)
	}), nil)
	c.Start()
	fc.Advance(time.Minute)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.Pending() != nil {
		t.Error("rejected window must be dropped")
	}
}

type reporterFunc func(context.Context, Report) (int64, error)

func (f reporterFunc) Report(ctx context.Context, r Report) (int64, error) { return f(ctx, r) }

// ---------------------------------------------------------------------------
// HTTPReporter and TotalsDB
// ---------------------------------------------------------------------------

func TestHTTPReporter_StatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		body    string
		want    error
		total   int64
		wantErr bool
	}{
		{http.StatusCreated, `{"success":true,"verified_time":600}`, nil, 600, false},
		{http.StatusConflict, `{"error":"overlap_or_stale"}`, ErrAlreadyCredited, 0, true},
		{http.StatusUnprocessableEntity, `{"error":"invalid_interval"}`, ErrRejected, 0, true},
		{http.StatusServiceUnavailable, `{"error":"service_unavailable"}`, nil, 0, true},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer tok" || r.URL.Path != "/api/v1/sessions" {
					t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			rep := NewHTTPReporter(srv.URL+"/", "tok", time.Second)
			start := time.Unix(1_772_000_000, 0)
			total, err := rep.Report(context.Background(), Report{Identity: listener, Start: start, End: start.Add(600 * time.Second), Duration: 600})
			if tc.wantErr != (err != nil) {
				t.Fatalf("err: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if total != tc.total {
				t.Errorf("total: got %d, want %d", total, tc.total)
			}
		})
	}
}

func TestTotalsDB(t *testing.T) {
	db, err := OpenTotals(filepath.Join(t.TempDir(), "totals.db"))
	if err != nil {
		t.Fatalf("OpenTotals: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	got, err := db.Get(ctx, listener)
	if err != nil || got.LocalSeconds != 0 || got.VerifiedSeconds != 0 {
		t.Fatalf("empty totals: %+v, %v", got, err)
	}

	for _, s := range []int64{600, 600} {
		if err := db.AddLocal(ctx, listener, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SetVerified(ctx, listener, 1200); err != nil {
		t.Fatal(err)
	}
	if err := db.SetVerified(ctx, listener, 600); err != nil {
		t.Fatal(err)
	}

	got, err = db.Get(ctx, listener)
	if err != nil {
		t.Fatal(err)
	}
	if got.LocalSeconds != 1200 || got.VerifiedSeconds != 1200 {
		t.Errorf("totals: %+v", got)
	}
}

func TestClock_WritesAdvisoryTotals(t *testing.T) {
	db, err := OpenTotals(filepath.Join(t.TempDir(), "totals.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rep := &recordingReporter{}
	c, fc := newTestClock(rep, db)
	c.Start()
	fc.Advance(90 * time.Second)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := db.Get(context.Background(), listener)
	if got.LocalSeconds != 90 || got.VerifiedSeconds != 90 {
		t.Errorf("totals: %+v", got)
	}
}
