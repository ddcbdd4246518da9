package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"parley/internal/providers"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestListModelsDiscoversAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{"data":[{"id":"model-b"},{"id":"model-a"}]}`))
	}))
	defer srv.Close()

	rdb := testRedis(t)
	cat := New(Config{Redis: rdb, HTTPClient: srv.Client()})

	profile := providers.Profile{Key: providers.KeyOpenAI, APIKey: "sk-test", BaseURL: srv.URL}
	models, err := cat.ListModels(context.Background(), profile)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 || models[0] != "model-b" || models[1] != "model-a" {
		t.Fatalf("unexpected models %v", models)
	}

	cached, ok := cat.Cached(context.Background(), providers.KeyOpenAI)
	if !ok {
		t.Fatal("expected cached list after successful discovery")
	}
	if len(cached) != 2 || cached[0] != "model-b" {
		t.Fatalf("unexpected cached models %v", cached)
	}
}

func TestListModelsEmptyListIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	cat := New(Config{HTTPClient: srv.Client()})
	profile := providers.Profile{Key: providers.KeyGroq, APIKey: "k", BaseURL: srv.URL}

	models, err := cat.ListModels(context.Background(), profile)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if models == nil || len(models) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", models)
	}
}

func TestListModelsHTTPErrorLeavesCacheUsable(t *testing.T) {
	rdb := testRedis(t)

	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"stable-model"}]}`))
	}))
	cat := New(Config{Redis: rdb, HTTPClient: okSrv.Client()})
	profile := providers.Profile{Key: providers.KeyMistral, APIKey: "k", BaseURL: okSrv.URL}
	if _, err := cat.ListModels(context.Background(), profile); err != nil {
		t.Fatalf("seed discovery: %v", err)
	}
	okSrv.Close()

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer failSrv.Close()

	cat = New(Config{Redis: rdb, HTTPClient: failSrv.Client()})
	profile.BaseURL = failSrv.URL
	_, err := cat.ListModels(context.Background(), profile)
	var httpErr *providers.HTTPError
	if err == nil {
		t.Fatal("expected discovery failure")
	}
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 http error, got %v", err)
	}

	cached, ok := cat.Cached(context.Background(), providers.KeyMistral)
	if !ok || len(cached) != 1 || cached[0] != "stable-model" {
		t.Fatalf("expected cached fallback, got %v ok=%v", cached, ok)
	}
}

func TestListModelsStaticProvider(t *testing.T) {
	cat := New(Config{})
	profile := providers.Profile{Key: providers.KeyClaude, APIKey: "k", BaseURL: "https://api.anthropic.com/v1"}

	models, err := cat.ListModels(context.Background(), profile)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("expected static model list")
	}
}

func TestCachedMissesWithoutRedis(t *testing.T) {
	cat := New(Config{})
	if _, ok := cat.Cached(context.Background(), providers.KeyOpenAI); ok {
		t.Fatal("expected miss without a cache backend")
	}
}
