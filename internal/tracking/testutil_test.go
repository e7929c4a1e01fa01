package tracking

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeService is an httptest server speaking the tracking API. Handlers
// decide the response per request; calls are counted per identifier.
type fakeService struct {
	*httptest.Server

	mu       sync.Mutex
	creates  map[string]int
	reads    map[string]int
	queries  []map[string]string
	inFlight int
	maxSeen  int

	create func(w http.ResponseWriter, id string, attempt int)
	read   func(w http.ResponseWriter, id string, attempt int)
	delay  func(id string) time.Duration
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{
		creates: map[string]int{},
		reads:   map[string]int{},
	}
	f.create = func(w http.ResponseWriter, id string, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"url": "https://t.example/" + id}})
	}
	f.read = func(w http.ResponseWriter, id string, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"hits": len(id)}})
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeService) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flat := map[string]string{}
	for k := range q {
		flat[k] = q.Get(k)
	}

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.queries = append(f.queries, flat)
	var attempt int
	var id string
	switch r.URL.Path {
	case "/API/write/get":
		id = q.Get("custom")
		f.creates[id]++
		attempt = f.creates[id]
	case "/API/read/get":
		id = q.Get("id")
		f.reads[id]++
		attempt = f.reads[id]
	}
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay != nil {
		time.Sleep(delay(id))
	}

	switch r.URL.Path {
	case "/API/write/get":
		f.create(w, id, attempt)
	case "/API/read/get":
		f.read(w, id, attempt)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeService) createCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[id]
}

func (f *fakeService) readCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[id]
}

func (f *fakeService) querySnapshot() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.queries...)
}

func (f *fakeService) maxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sleepRecorder is a concurrency-safe Sleep replacement.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func testClientConfig(f *fakeService, sleep *sleepRecorder) ClientConfig {
	return ClientConfig{
		BaseURL:    f.URL,
		PixelURL:   "https://pixel.example/1x1.png",
		RetryDelay: 5 * time.Millisecond,
		Sleep:      sleep.Sleep,
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
