package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// TimestampHeader carries the signing time in unix seconds.
	TimestampHeader = "X-Taskpilot-Timestamp"
	// SignatureHeader carries "sha256=<hex>" of HMAC(secret, ts + "." + body).
	SignatureHeader = "X-Taskpilot-Signature"
	// MaxClockSkew is how far a request timestamp may drift from now.
	MaxClockSkew = 5 * time.Minute

	maxBodyBytes = 1 << 20
)

// Sign computes the signature header value for body sent at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignRequest reads the request body and sets both signature headers.
func SignRequest(r *http.Request, secret string, now time.Time) error {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		r.Body.Close()
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	ts := now.Unix()
	r.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	r.Header.Set(SignatureHeader, Sign(secret, ts, body))
	return nil
}

// verify checks the signature headers against body. It returns a short
// reason on failure.
func verify(secret string, r *http.Request, body []byte, now time.Time) (string, bool) {
	rawTS := r.Header.Get(TimestampHeader)
	sig := r.Header.Get(SignatureHeader)
	if rawTS == "" || sig == "" {
		return "missing signature", false
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return "invalid timestamp", false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return "stale timestamp", false
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(secret, ts, body))) {
		return "bad signature", false
	}
	return "", true
}

// limiter hands out one token bucket per client address. Buckets are
// dropped wholesale every hour so idle clients do not accumulate.
type limiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	reset   time.Time
}

func newLimiter(perSecond float64, burst int) *limiter {
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		clients: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		reset:   time.Now(),
	}
}

func (l *limiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.reset) > time.Hour {
		l.clients = make(map[string]*rate.Limiter)
		l.reset = time.Now()
	}
	lim, ok := l.clients[client]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[client] = lim
	}
	return lim
}

// clientAddr identifies the caller by its socket address. Forwarding
// headers are ignored because any client can set them.
func clientAddr(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return strings.TrimSpace(r.RemoteAddr)
}
