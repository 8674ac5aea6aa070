package control

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// tokenAuth checks the shared status token. Browsers cannot set headers on
// a websocket handshake, so the stream also accepts the token base64url
// encoded in a subprotocol named wsTokenPrefix+<token>.
type tokenAuth struct {
	token string
}

func (a tokenAuth) allowHTTP(r *http.Request) bool {
	token, ok := bearerToken(r)
	return ok && a.matches(token)
}

func (a tokenAuth) allowStream(r *http.Request) bool {
	if token, ok := bearerToken(r); ok {
		return a.matches(token)
	}
	for _, proto := range websocket.Subprotocols(r) {
		encoded, ok := strings.CutPrefix(proto, wsTokenPrefix)
		if !ok || encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return a.matches(string(decoded))
	}
	return false
}

func (a tokenAuth) matches(token string) bool {
	return secureTokenEqual(token, a.token)
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// secureTokenEqual never matches an unset expected token.
func secureTokenEqual(got, want string) bool {
	if want == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// rateLimiter is a token bucket per client address. Idle buckets are
// forgotten after ttl.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	ttl     time.Duration
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(rate float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.seen) > l.ttl {
		b = &bucket{tokens: l.burst}
		l.buckets[key] = b
	} else {
		b.tokens = min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
