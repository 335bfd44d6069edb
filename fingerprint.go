package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"
)

// FingerprintAttrs is the fixed ordered tuple of request attributes a
// fingerprint is derived from. Missing attributes stay empty strings.
type FingerprintAttrs struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	Accept         string
	IP             string
}

// Fingerprint derives a stable identity hash from the attribute tuple.
// Deterministic: identical inputs always produce the identical digest.
func Fingerprint(attrs FingerprintAttrs) string {
	joined := strings.Join([]string{
		attrs.UserAgent,
		attrs.AcceptLanguage,
		attrs.AcceptEncoding,
		attrs.Accept,
		attrs.IP,
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// AbuseDetector tracks per-fingerprint activity and gates admission for
// blocked devices. Store failures fail open: unreachable tracking must
// never deny legitimate traffic.
type AbuseDetector struct {
	store Store
	cfg   AbuseConfig
}

func newAbuseDetector(store Store, cfg AbuseConfig) *AbuseDetector {
	return &AbuseDetector{store: store, cfg: cfg}
}

// Observe upserts the fingerprint's DeviceRecord: atomic counter increment
// and TTL refresh in a single store operation.
func (d *AbuseDetector) Observe(ctx context.Context, fp, ip string) {
	if _, err := d.store.TouchDevice(ctx, fp, ip, time.Now(), d.cfg.DeviceTTL()); err != nil {
		log.Printf("⚠️  abuse: observe %s failed, failing open: %v", shortFP(fp), err)
	}
}

// IsSuspicious reports whether the device's request rate since first sight
// exceeds the configured per-hour threshold. Read-only; the caller decides
// what extra verification to demand.
func (d *AbuseDetector) IsSuspicious(ctx context.Context, fp string) (bool, string) {
	rec, err := d.store.GetDevice(ctx, fp)
	if err != nil {
		log.Printf("⚠️  abuse: device lookup %s failed, failing open: %v", shortFP(fp), err)
		return false, ""
	}
	if rec == nil {
		return false, ""
	}
	hours := time.Since(msTime(rec.FirstSeenMS)).Hours()
	if hours < 1 {
		hours = 1
	}
	if rate := float64(rec.Requests) / hours; rate > d.cfg.SuspiciousPerHour {
		return true, "request rate above threshold"
	}
	return false, ""
}

// Block creates or overwrites the fingerprint's BlockRecord. Idempotent;
// the record expires on its own after the given duration.
func (d *AbuseDetector) Block(ctx context.Context, fp, reason string, duration time.Duration) bool {
	now := time.Now()
	rec := BlockRecord{
		Reason:      reason,
		BlockedAtMS: now.UnixMilli(),
		ExpiresAtMS: now.Add(duration).UnixMilli(),
	}
	if err := d.store.PutBlock(ctx, fp, rec, duration); err != nil {
		log.Printf("⚠️  abuse: block %s failed: %v", shortFP(fp), err)
		return false
	}
	log.Printf("🚫 blocked fingerprint %s for %s: %s", shortFP(fp), duration, reason)
	return true
}

// Unblock removes the BlockRecord before its TTL; administrative use.
func (d *AbuseDetector) Unblock(ctx context.Context, fp string) error {
	return d.store.DeleteBlock(ctx, fp)
}

// IsBlocked reports the active BlockRecord, if any. A non-expired record
// denies admission regardless of remaining rate-limit quota.
func (d *AbuseDetector) IsBlocked(ctx context.Context, fp string) (bool, *BlockRecord) {
	rec, err := d.store.GetBlock(ctx, fp)
	if err != nil {
		log.Printf("⚠️  abuse: block lookup %s failed, failing open: %v", shortFP(fp), err)
		return false, nil
	}
	if rec == nil {
		return false, nil
	}
	return true, rec
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
