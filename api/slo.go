package api

// Route SLO middleware. Sets the tier and latency target in the request
// context for the Handler middleware to log PASS/FAIL against the request
// duration. Interaction SLOs are tracked separately by the Tracker.

import (
	"context"
	"net/http"
	"time"

	"github.com/nhalm/tally"
)

type sloContextKey string

const sloConfigKey sloContextKey = "slo_config"

type sloConfig struct {
	tier   tally.SLOTier
	target time.Duration
}

// SLO sets a predefined SLO tier in context. Unknown tiers are ignored.
func SLO(tier tally.SLOTier) func(http.Handler) http.Handler {
	target, ok := tier.Target()
	return func(next http.Handler) http.Handler {
		if !ok {
			return next
		}
		return withSLO(next, &sloConfig{tier: tier, target: target})
	}
}

// SLOWithTarget sets a custom SLO target in context.
// The tier is logged as "custom".
func SLOWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return withSLO(next, &sloConfig{tier: tally.SLOCustom, target: target})
	}
}

func withSLO(next http.Handler, cfg *sloConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if state := getState(ctx); state != nil {
			state.mu.Lock()
			state.slo = cfg
			state.mu.Unlock()
		}
		ctx = context.WithValue(ctx, sloConfigKey, cfg)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSLO retrieves the SLO tier and target from context.
func GetSLO(ctx context.Context) (tally.SLOTier, time.Duration, bool) {
	cfg, ok := ctx.Value(sloConfigKey).(*sloConfig)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}
