package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/tally"
)

func TestSLO_SetsContext(t *testing.T) {
	tests := []struct {
		tier       tally.SLOTier
		wantTarget time.Duration
	}{
		{tier: tally.SLOCritical, wantTarget: 50 * time.Millisecond},
		{tier: tally.SLOHighFast, wantTarget: 100 * time.Millisecond},
		{tier: tally.SLOHighSlow, wantTarget: 1000 * time.Millisecond},
		{tier: tally.SLOLow, wantTarget: 5000 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			var tier tally.SLOTier
			var target time.Duration
			var found bool

			handler := SLO(tt.tier)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				tier, target, found = GetSLO(r.Context())
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if !found {
				t.Fatal("expected SLO in context")
			}
			if tier != tt.tier || target != tt.wantTarget {
				t.Errorf("GetSLO() = %s, %v, want %s, %v", tier, target, tt.tier, tt.wantTarget)
			}
		})
	}
}

func TestSLO_UnknownTierIgnored(t *testing.T) {
	var found bool
	handler := SLO("bogus")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, _, found = GetSLO(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if found {
		t.Error("expected no SLO for an unknown tier")
	}
}

func TestSLOWithTarget(t *testing.T) {
	var tier tally.SLOTier
	var target time.Duration

	handler := SLOWithTarget(250 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		tier, target, _ = GetSLO(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if tier != tally.SLOCustom || target != 250*time.Millisecond {
		t.Errorf("GetSLO() = %s, %v, want custom, 250ms", tier, target)
	}
}

func TestSLO_PerRoute(t *testing.T) {
	got := map[string]tally.SLOTier{}

	r := chi.NewRouter()
	r.With(SLO(tally.SLOCritical)).Get("/healthz", func(_ http.ResponseWriter, r *http.Request) {
		got["/healthz"], _, _ = GetSLO(r.Context())
	})
	r.With(SLO(tally.SLOHighFast)).Post("/v1/interactions", func(_ http.ResponseWriter, r *http.Request) {
		got["/v1/interactions"], _, _ = GetSLO(r.Context())
	})
	r.Get("/plain", func(_ http.ResponseWriter, r *http.Request) {
		if _, _, found := GetSLO(r.Context()); found {
			t.Error("expected no SLO on /plain")
		}
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody),
		httptest.NewRequest(http.MethodPost, "/v1/interactions", http.NoBody),
		httptest.NewRequest(http.MethodGet, "/plain", http.NoBody),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got["/healthz"] != tally.SLOCritical {
		t.Errorf("/healthz tier = %s, want critical", got["/healthz"])
	}
	if got["/v1/interactions"] != tally.SLOHighFast {
		t.Errorf("/v1/interactions tier = %s, want high_fast", got["/v1/interactions"])
	}
}
