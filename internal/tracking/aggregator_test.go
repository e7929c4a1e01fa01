package tracking

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmerge/internal/types"
)

func newTestAggregator(t *testing.T, f *fakeService, mutate ...func(*AggregatorConfig)) *Aggregator {
	t.Helper()
	cfg := AggregatorConfig{
		Client: testClientConfig(f, &sleepRecorder{}),
		Clock:  fixedClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a := NewAggregator(cfg)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAggregator_GetCountsPreservesOrder(t *testing.T) {
	f := newFakeService(t)
	f.read = func(w http.ResponseWriter, id string, _ int) {
		var n int
		fmt.Sscanf(id, "n%d", &n)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"hits": n * 10}})
	}
	f.delay = func(id string) time.Duration {
		var n int
		fmt.Sscanf(id, "n%d", &n)
		return time.Duration(8-n) * 5 * time.Millisecond
	}
	a := newTestAggregator(t, f)

	ids := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6", "n7"}
	require.NoError(t, a.SetIdentifiers(ids))

	counts, err := a.GetCounts(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, len(ids))
	for i, c := range counts {
		assert.Equal(t, Known(int64(i*10)), c, "position %d", i)
	}
}

func TestAggregator_NullPlaceholderSkipsNetwork(t *testing.T) {
	f := newFakeService(t)
	a := newTestAggregator(t, f)

	require.NoError(t, a.SetIdentifiers([]string{"abc", "", "abc"}))
	counts, err := a.GetCounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Count{Known(3), Unknown(), Known(3)}, counts)
	assert.Equal(t, 0, f.readCount(""))
	assert.Equal(t, 2, f.readCount("abc"), "duplicates are queried per position")
}

func TestAggregator_RetiresFailingIdentifier(t *testing.T) {
	f := newFakeService(t)
	f.read = func(w http.ResponseWriter, id string, _ int) {
		if id == "dead" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"hits": 5}})
	}
	metrics := newCountingMetrics()
	a := newTestAggregator(t, f, func(c *AggregatorConfig) { c.Client.Metrics = metrics })

	require.NoError(t, a.SetIdentifiers([]string{"live", "dead"}))

	first, err := a.GetCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Count{Known(5), Unknown()}, first)
	assert.Equal(t, DefaultMaxAttempts, f.readCount("dead"))

	ids, err := a.Identifiers()
	require.NoError(t, err)
	assert.Equal(t, []Identifier{{ID: "live"}, {ID: "dead", Retired: true}}, ids)

	second, err := a.GetCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Count{Known(5), Retired()}, second)
	assert.Equal(t, DefaultMaxAttempts, f.readCount("dead"), "retired identifier must not be queried again")
	assert.Equal(t, 2, f.readCount("live"))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.retired)
}

func TestAggregator_SetIdentifiersResetsRetirement(t *testing.T) {
	f := newFakeService(t)
	f.read = func(w http.ResponseWriter, _ string, attempt int) {
		if attempt <= DefaultMaxAttempts {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"hits": 1}})
	}
	a := newTestAggregator(t, f)

	require.NoError(t, a.SetIdentifiers([]string{"x"}))
	_, err := a.GetCounts(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.SetIdentifiers([]string{"x"}))
	counts, err := a.GetCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Count{Known(1)}, counts)
}

func TestAggregator_OpenCircuitDoesNotRetire(t *testing.T) {
	f := newFakeService(t)
	f.read = func(w http.ResponseWriter, _ string, _ int) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	a := newTestAggregator(t, f, func(c *AggregatorConfig) {
		c.Client.MaxConcurrency = 1
		c.Client.BreakerThreshold = 1
	})

	require.NoError(t, a.SetIdentifiers([]string{"a", "b"}))
	counts, err := a.GetCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Count{Unknown(), Unknown()}, counts)

	ids, err := a.Identifiers()
	require.NoError(t, err)
	for _, id := range ids {
		assert.False(t, id.Retired, "identifier %q retired by an open circuit", id.ID)
	}
	assert.Equal(t, 0, f.readCount("b"))
}

func TestAggregator_OverlappingGetCountsFailsFast(t *testing.T) {
	f := newFakeService(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.read = func(w http.ResponseWriter, _ string, _ int) {
		once.Do(func() { close(entered) })
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"hits": 9}})
	}
	a := newTestAggregator(t, f)
	require.NoError(t, a.SetIdentifiers([]string{"slow"}))

	type outcome struct {
		counts []Count
		err    error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		c, err := a.GetCounts(context.Background())
		firstDone <- outcome{c, err}
	}()
	<-entered

	start := time.Now()
	counts, err := a.GetCounts(context.Background())
	assert.ErrorIs(t, err, ErrTrackingBusy)
	assert.NotNil(t, counts)
	assert.Empty(t, counts)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, []Count{Known(9)}, first.counts)

	ids, err := a.Identifiers()
	require.NoError(t, err)
	assert.Equal(t, []Identifier{{ID: "slow"}}, ids)
}

func TestAggregator_GetCountsIgnoresCallerCancellation(t *testing.T) {
	f := newFakeService(t)
	f.delay = func(string) time.Duration { return 30 * time.Millisecond }
	a := newTestAggregator(t, f)
	require.NoError(t, a.SetIdentifiers([]string{"abc"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	counts, err := a.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Count{Known(3)}, counts)
}

func TestAggregator_CreateLinksInstallsIdentifiers(t *testing.T) {
	f := newFakeService(t)
	a := newTestAggregator(t, f, func(c *AggregatorConfig) { c.LinkTTL = 48 * time.Hour })

	links, err := a.CreateLinks(context.Background(), []string{"m1", "", "m2"})
	require.NoError(t, err)
	require.Len(t, links, 3)
	assert.Equal(t, "https://t.example/m1", links[0].URL)
	assert.True(t, links[1].Fallback)
	assert.Equal(t, "https://t.example/m2", links[2].URL)

	for _, q := range f.querySnapshot() {
		assert.Equal(t, "03/03/2026", q["expire"])
	}

	ids, err := a.Identifiers()
	require.NoError(t, err)
	assert.Equal(t, []Identifier{{ID: "m1"}, {ID: ""}, {ID: "m2"}}, ids)
}

func TestAggregator_EmptyList(t *testing.T) {
	f := newFakeService(t)
	a := newTestAggregator(t, f)

	counts, err := a.GetCounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestAggregator_CloseIsIdempotent(t *testing.T) {
	f := newFakeService(t)
	a := NewAggregator(AggregatorConfig{Client: testClientConfig(f, &sleepRecorder{})})

	assert.False(t, a.Closed())
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
	assert.True(t, a.Closed())

	_, err := a.GetCounts(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.SetIdentifiers([]string{"x"}), ErrClosed)
	_, err = a.Identifiers()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.CreateLinks(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAggregator_CloseWaitsForInFlightPoll(t *testing.T) {
	f := newFakeService(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.read = func(w http.ResponseWriter, _ string, _ int) {
		once.Do(func() { close(entered) })
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"hits": 2}})
	}
	a := NewAggregator(AggregatorConfig{Client: testClientConfig(f, &sleepRecorder{})})
	require.NoError(t, a.SetIdentifiers([]string{"q"}))

	pollDone := make(chan []Count, 1)
	go func() {
		c, _ := a.GetCounts(context.Background())
		pollDone <- c
	}()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a poll was still using the client")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-closed)
	assert.Equal(t, []Count{Known(2)}, <-pollDone)
}

func TestTrackingErrorsMapToHTTP(t *testing.T) {
	assert.Equal(t, http.StatusConflict, ErrTrackingBusy.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, ErrClosed.HTTPStatus())
	assert.Equal(t, types.ErrCodeConflictTrackingBusy, ErrTrackingBusy.Code)
}
