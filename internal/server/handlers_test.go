package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/config"
	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/merge"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/storage"
)

type mockEngine struct {
	coll    *collection.Collection
	mu      sync.Mutex
	batches int
}

func (m *mockEngine) Collection() *collection.Collection { return m.coll }

func (m *mockEngine) Search(query string, topK int) ([]lexical.Hit, error) {
	var hits []lexical.Hit
	for _, it := range m.coll.Items() {
		if strings.Contains(strings.ToLower(it.Description), strings.ToLower(query)) {
			hits = append(hits, lexical.Hit{ID: it.ID, Text: it.Description, Score: 1})
		}
	}
	return hits, nil
}

func (m *mockEngine) ProcessBatch(_ context.Context, c []models.Candidate) (*merge.BatchReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	rep := &merge.BatchReport{Total: len(c)}
	for i := range c {
		it := c[i].ToItem(m.coll.NextID(""), "g")
		if err := m.coll.Add(it); err != nil {
			return nil, err
		}
		rep.Added++
		rep.AddedIDs = append(rep.AddedIDs, it.ID)
	}
	return rep, nil
}

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *mockEngine) {
	t.Helper()
	coll := collection.New()
	for _, it := range []*models.Item{
		{ID: "0", Description: "Checks Gmail at 9am"},
		{ID: "1", Description: "Archives newsletters"},
		{ID: "c-0", Theme: "Email", Description: "Keeps the inbox clean", Merged: []string{"0", "1"}, Level: 1},
	} {
		if err := coll.Add(it); err != nil {
			t.Fatal(err)
		}
	}
	eng := &mockEngine{coll: coll}
	cfg := config.Default()
	cfg.Storage.CollectionPath = filepath.Join(t.TempDir(), "collection.json")
	return NewServer(eng, cfg, zap.NewNop(), opts...), eng
}

func do(t *testing.T, srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	return w
}

func TestHandleHealthAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(t, srv, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: got %d", w.Code)
	}
	w := do(t, srv, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Collection collection.Stats `json:"collection"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Collection.Items != 3 || out.Collection.Insights != 1 {
		t.Errorf("stats: %+v", out.Collection)
	}
}

func TestHandleListItems(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		query string
		want  int
		code  int
	}{
		{"", 3, http.StatusOK},
		{"?level=0", 2, http.StatusOK},
		{"?min_level=1", 1, http.StatusOK},
		{"?level=x", 0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := do(t, srv, http.MethodGet, "/api/v1/items"+tt.query, nil)
		if w.Code != tt.code {
			t.Errorf("%q: status %d, want %d", tt.query, w.Code, tt.code)
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		var out struct {
			Count int `json:"count"`
		}
		_ = json.NewDecoder(w.Body).Decode(&out)
		if out.Count != tt.want {
			t.Errorf("%q: count %d, want %d", tt.query, out.Count, tt.want)
		}
	}
}

func TestHandleGetItem(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/items/c-0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var it models.Item
	if err := json.NewDecoder(w.Body).Decode(&it); err != nil {
		t.Fatal(err)
	}
	if len(it.Merged) != 2 {
		t.Errorf("merged: %v", it.Merged)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/items/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing item: got %d", w.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{"query": "gmail", "top_k": 3})
	w := do(t, srv, http.MethodPost, "/api/v1/search", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Hits []searchHit `json:"hits"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Hits) != 1 || out.Hits[0].ID != "0" || out.Hits[0].Item == nil {
		t.Errorf("hits: %+v", out.Hits)
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/search", []byte(`{}`)); w.Code != http.StatusBadRequest {
		t.Errorf("empty query: got %d", w.Code)
	}
}

func TestHandleSubmitBatch(t *testing.T) {
	srv, eng := newTestServer(t)
	w := do(t, srv, http.MethodPost, "/api/v1/batches", []byte(`{"observations": [{"description": "Uses keyboard shortcuts"}]}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var rep merge.BatchReport
	if err := json.NewDecoder(w.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Added != 1 || eng.coll.Len() != 4 {
		t.Errorf("report: %+v, collection %d", rep, eng.coll.Len())
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/batches", []byte(`nope`)); w.Code != http.StatusBadRequest {
		t.Errorf("bad batch: got %d", w.Code)
	}
}

func TestHandleSubmitBatch_Serialized(t *testing.T) {
	srv, eng := newTestServer(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			do(t, srv, http.MethodPost, "/api/v1/batches", []byte(`[{"description": "parallel"}]`))
		}()
	}
	wg.Wait()
	if eng.batches != 8 || eng.coll.Len() != 11 {
		t.Errorf("batches %d, items %d", eng.batches, eng.coll.Len())
	}
}

func TestHandleReport(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/api/v1/report?format=html", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Email: Keeps the inbox clean") {
		t.Errorf("html report: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/report?format=pdf", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown format: got %d", w.Code)
	}
}

func TestHandleRuns(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(t, srv, http.MethodGet, "/api/v1/runs", nil); w.Code != http.StatusNotImplemented {
		t.Errorf("no archive: got %d", w.Code)
	}

	archive, err := storage.NewSQLiteArchive(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()
	run, err := archive.StartRun(context.Background(), storage.KindCluster)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ = newTestServer(t, WithArchive(archive))

	w := do(t, srv, http.MethodGet, "/api/v1/runs", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), run.ID) {
		t.Errorf("list runs: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/runs/"+run.ID, nil); w.Code != http.StatusOK {
		t.Errorf("get run: got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/runs/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing run: got %d", w.Code)
	}
}

func TestHandleWatchDirectories(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(t, srv, http.MethodGet, "/api/v1/watch/directories", nil); w.Code != http.StatusNotImplemented {
		t.Errorf("not enabled: got %d, want 501", w.Code)
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	mock := &mockWatchService{}
	srv, _ = newTestServer(t, WithWatch(mock, cfgPath))

	body, _ := json.Marshal(map[string]string{"path": dir})
	if w := do(t, srv, http.MethodPost, "/api/v1/watch/directories", body); w.Code != http.StatusCreated {
		t.Errorf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(mock.Directories()) != 1 {
		t.Errorf("expected 1 directory, got %v", mock.Directories())
	}
	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Watch.Directories) != 1 {
		t.Errorf("persisted directories: %v", saved.Watch.Directories)
	}

	body, _ = json.Marshal(map[string]string{"path": dir + "/nonexistent"})
	if w := do(t, srv, http.MethodPost, "/api/v1/watch/directories", body); w.Code != http.StatusNotFound {
		t.Errorf("missing dir: got %d", w.Code)
	}

	if w := do(t, srv, http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil); w.Code != http.StatusOK {
		t.Errorf("remove: got %d", w.Code)
	}
	if len(mock.Directories()) != 0 {
		t.Errorf("expected 0 directories, got %v", mock.Directories())
	}
}
