package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

type ctxKey int

const (
	ctxIdentity ctxKey = iota
	ctxVerification
)

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxIdentity).(Identity)
	return id
}

func verificationRequired(ctx context.Context) bool {
	v, _ := ctx.Value(ctxVerification).(bool)
	return v
}

// clientIP prefers the proxy-forwarded address the upstream LB sets.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identityFromRequest resolves the caller. Authentication happens upstream;
// the auth proxy forwards the resolved user via headers, everything else is
// a guest recognized by fingerprint+IP.
func identityFromRequest(r *http.Request) Identity {
	ip := clientIP(r)
	id := Identity{
		IP: ip,
		Fingerprint: Fingerprint(FingerprintAttrs{
			UserAgent:      r.Header.Get("User-Agent"),
			AcceptLanguage: r.Header.Get("Accept-Language"),
			AcceptEncoding: r.Header.Get("Accept-Encoding"),
			Accept:         r.Header.Get("Accept"),
			IP:             ip,
		}),
	}
	if user := r.Header.Get("X-User-ID"); user != "" {
		id.UserID = user
		id.Tier = TierFree
		if tier := Tier(r.Header.Get("X-User-Tier")); tier == TierPremium {
			id.Tier = TierPremium
		}
	} else {
		id.Tier = TierGuest
	}
	return id
}

func enableCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enableCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// globalLimitMiddleware is the coarse whole-server throttle, ahead of the
// per-identity admission gate.
func globalLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identityMiddleware resolves the caller's identity for every API route.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxIdentity, identityFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// admissionGate guards job submission: block precedence first, then device
// observation and the suspicion flag, then the numeric rate limit. A block
// denies regardless of remaining quota; suspicion only flags the request
// for out-of-band verification and never hardens the ceiling.
type admissionGate struct {
	detector *AbuseDetector
	limiter  *RateLimiter
}

func (g *admissionGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := identityFrom(ctx)

		if blocked, rec := g.detector.IsBlocked(ctx, id.Fingerprint); blocked {
			admissionDecisions.WithLabelValues("denied", ReasonBlocked).Inc()
			w.Header().Set("X-Block-Expires", msTime(rec.ExpiresAtMS).UTC().Format(time.RFC3339))
			writeError(w, http.StatusForbidden, ReasonBlocked, "identity is blocked: "+rec.Reason)
			return
		}

		g.detector.Observe(ctx, id.Fingerprint, id.IP)

		if suspicious, _ := g.detector.IsSuspicious(ctx, id.Fingerprint); suspicious {
			// Signal only; the HTTP edge decides how to verify.
			verificationFlags.Inc()
			w.Header().Set("X-Verification-Required", "1")
			ctx = context.WithValue(ctx, ctxVerification, true)
		}

		if !id.Unlimited() {
			dec := g.limiter.Admit(ctx, id)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			if !dec.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
			}
			if !dec.Allowed {
				admissionDecisions.WithLabelValues("denied", ReasonRateLimited).Inc()
				writeError(w, http.StatusTooManyRequests, ReasonRateLimited,
					"conversion limit reached, retry after "+dec.ResetAt.UTC().Format(time.RFC3339))
				return
			}
		}

		admissionDecisions.WithLabelValues("allowed", "").Inc()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
