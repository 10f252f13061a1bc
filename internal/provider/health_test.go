package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHealthCheck_Backends(t *testing.T) {
	t.Parallel()

	cases := []struct {
		backend Backend
		wantNil bool
	}{
		{BackendOllama, false},
		{BackendOllamaNative, false},
		{BackendOpenAI, false},
		{BackendAzure, false},
		{BackendArk, true},
		{BackendGemini, true},
	}
	for _, tc := range cases {
		hc := NewHealthCheck(&Config{Backend: tc.backend, Ollama: ProviderOllama{Host: "http://localhost:11434"}})
		if (hc == nil) != tc.wantNil {
			t.Errorf("%s: nil = %v, want %v", tc.backend, hc == nil, tc.wantNil)
		}
	}
}

func TestHealthCheck_OpenAISendsBearer(t *testing.T) {
	t.Parallel()
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth, gotPath = r.Header.Get("Authorization"), r.URL.Path
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	hc := NewHealthCheck(&Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}})
	if err := hc.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if gotAuth != "Bearer sk-test" || gotPath != "/v1/models" {
		t.Errorf("auth = %q, path = %q", gotAuth, gotPath)
	}
}

func TestHealthCheck_Non2xxFails(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hc := NewHealthCheck(&Config{Backend: BackendOllama, Ollama: ProviderOllama{Host: srv.URL}})
	if err := hc.HealthCheck(context.Background()); err == nil {
		t.Error("want error for HTTP 503")
	}
}
