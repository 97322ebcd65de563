package idempotency

import (
	"bytes"
	"net/http"

	"github.com/tjj9020/kinable-sub001/internal/admission"
)

// Middleware replays the cached response for a repeated Idempotency-Key so a
// client retry never runs a second generation or double-debits the family
// balance. Keys are scoped to the admitted family: the same header value from
// two families addresses two distinct cache entries. Requests without the
// header pass through untouched.
//
// Mount after admission so the identity is available for scoping; replays are
// tagged with an Idempotency-Replay: true header.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hdr := r.Header.Get("Idempotency-Key")
			if hdr == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := scopedKey(r, hdr)

			if entry, ok := cache.Get(key); ok {
				for k, v := range entry.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(entry.StatusCode)
				_, _ = w.Write(entry.Response)
				return
			}

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)
			cache.Set(key, cw.buf.Bytes(), cw.status, cw.flatHeaders())
		})
	}
}

// scopedKey prefixes the client's key with the admitted family so one family
// can never replay another's cached response. Requests reaching the cache
// without an identity fall back to the raw key.
func scopedKey(r *http.Request, hdr string) string {
	if id, ok := admission.IdentityFrom(r.Context()); ok && id.FamilyKey != "" {
		return id.FamilyKey + "\x1f" + hdr
	}
	return hdr
}

// captureWriter tees the response into a buffer so it can be cached after the
// handler returns. Only the first WriteHeader call sets the cached status.
type captureWriter struct {
	http.ResponseWriter
	buf        bytes.Buffer
	status     int
	headerSent bool
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.headerSent {
		c.status = code
		c.headerSent = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

// flatHeaders collapses the response headers to their first values for
// replay.
func (c *captureWriter) flatHeaders() map[string]string {
	out := make(map[string]string, len(c.Header()))
	for k, v := range c.Header() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
