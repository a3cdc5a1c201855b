package api

import (
	"crypto/subtle"
	"net/http"
)

const apiKeyHeader = "X-API-Key"

// APIKey returns middleware that requires one of keys in the X-API-Key
// header. Returns 401 if the key is missing or unknown. Keys are compared
// in constant time.
func APIKey(keys ...string) func(http.Handler) http.Handler {
	allowed := make([][]byte, len(keys))
	for i, k := range keys {
		allowed[i] = []byte(k)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if key == "" {
				unauthorized(w, r, "Missing API key")
				return
			}
			if !validKey(allowed, []byte(key)) {
				unauthorized(w, r, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(allowed [][]byte, key []byte) bool {
	found := 0
	for _, k := range allowed {
		found |= subtle.ConstantTimeCompare(k, key)
	}
	return found == 1
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	if HasState(r.Context()) {
		SetError(r, ErrUnauthorized.With(msg))
		return
	}
	http.Error(w, msg, http.StatusUnauthorized)
}
