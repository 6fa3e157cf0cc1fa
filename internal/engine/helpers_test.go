package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/classify"
	"github.com/goodtune/sitebudget/internal/notify"
	"github.com/goodtune/sitebudget/internal/storage"
	"github.com/goodtune/sitebudget/internal/usage"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

// memStore is an in-memory storage.Store whose writes can be made to fail.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failKey string
	failAll bool
	sets    int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *memStore) Set(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.failAll {
		return errors.New("quota exceeded")
	}
	if _, ok := values[m.failKey]; ok && m.failKey != "" {
		return errors.New("quota exceeded")
	}
	for k, v := range values {
		m.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *memStore) setFailures(key string, all bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKey = key
	m.failAll = all
}

// recorder collects delivered notifications.
type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Deliver(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) thresholds() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Threshold)
	}
	return out
}

type testEngine struct {
	*Engine
	clock *quartz.Mock
	store *memStore
	sent  *recorder
}

func newTestEngine(t testing.TB, start time.Time, store *memStore) *testEngine {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(start)
	if store == nil {
		store = newMemStore()
	}
	sent := &recorder{}

	classifier, err := classify.New(classify.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}

	e, err := New(Options{
		Store:      store,
		Classifier: classifier,
		Deliverer:  sent,
		Clock:      clock,
		ResetTime:  usage.Midnight,
		Retry: storage.RetryPolicy{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
		Seed: Seed{
			TrackingEnabled: true,
			Policy:          budget.DefaultPolicy(),
			Notifications:   notify.DefaultSettings(),
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	return &testEngine{Engine: e, clock: clock, store: store, sent: sent}
}

func (te *testEngine) advance(t testing.TB, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	te.clock.Advance(d).MustWait(ctx)
}

func (te *testEngine) open(t testing.TB, url string) OpenResult {
	t.Helper()
	res := te.OpenSession(context.Background(), Tab{ID: 1, URL: url, Active: true})
	if !res.Success {
		t.Fatalf("OpenSession(%s) failed: %s", url, res.Error)
	}
	return res
}

// waitFor polls cond in real time; used where a background goroutine does
// the work.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
