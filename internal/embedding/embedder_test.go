package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/matome/internal/config"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestMockEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewMockEmbedder(16)
	ctx := context.Background()
	a, _ := e.Embed(ctx, "reads email")
	b, _ := e.Embed(ctx, "reads email")
	c, _ := e.Embed(ctx, "writes code")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same text should embed identically")
		}
	}
	if math.Abs(norm(a)-1) > 1e-5 {
		t.Errorf("norm = %v, want 1", norm(a))
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(c[i])
	}
	if dot > 0.8 {
		t.Errorf("different texts too similar: %v", dot)
	}
}

func TestMockEmbedder_BatchHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockEmbedder(4).EmbedBatch(ctx, []string{"x"}); err == nil {
		t.Error("expected context error")
	}
}

func TestNew_Providers(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "mock", Dimensions: 12, CacheSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*CachedEmbedder); !ok {
		t.Errorf("expected cached wrapper, got %T", e)
	}
	if e.Dimensions() != 12 {
		t.Errorf("Dimensions = %d", e.Dimensions())
	}
	if _, err := New(config.EmbeddingConfig{Provider: "word2vec"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := New(config.EmbeddingConfig{Provider: "openai"}); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Input) != 2 || req.Dimensions != 3 {
			t.Errorf("request = %+v", req)
		}
		// Out of order on purpose.
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1,0]},{"index":0,"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 3})
	if err != nil {
		t.Fatal(err)
	}
	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not ordered by index: %v", vecs)
	}
}

func TestOpenAIEmbedder_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "x", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Embed(context.Background(), "hi"); err == nil {
		t.Error("expected error")
	}
}
