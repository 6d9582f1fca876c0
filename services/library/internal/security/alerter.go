// Package security raises alerts when a client keeps tripping the library
// service's auth and ownership checks.
package security

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookbuddy/internal/ratelimit"
)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// alertRule matches an audit event; an empty event matches any event with
// the outcome.
type alertRule struct {
	event     string
	outcome   string
	threshold int64
	window    time.Duration
}

var alertRules = []alertRule{
	{outcome: "rate_limited", threshold: 20, window: time.Minute},
	// Probing other identities' book ids.
	{outcome: "forbidden", threshold: 10, window: 5 * time.Minute},
	{event: "library.refresh", outcome: "fail", threshold: 15, window: 5 * time.Minute},
	{event: "library.logout", outcome: "fail", threshold: 15, window: 5 * time.Minute},
	{event: "library.authorize", outcome: "fail", threshold: 25, window: 5 * time.Minute},
	{event: "library.upload", outcome: "fail", threshold: 20, window: 5 * time.Minute},
	{event: "library.book.delete", outcome: "fail", threshold: 20, window: 5 * time.Minute},
}

func matchRule(event, outcome string) (alertRule, bool) {
	event = strings.TrimSpace(event)
	outcome = strings.TrimSpace(outcome)
	for _, rule := range alertRules {
		if rule.outcome == outcome && (rule.event == "" || rule.event == event) {
			return rule, true
		}
	}
	return alertRule{}, false
}

// AuditAlerter counts security events per client in Redis windows.
type AuditAlerter struct {
	client redis.Scripter
	prefix string
}

// NewAuditAlerter creates an alerter on an existing Redis client. A nil
// client yields a nil alerter, which observes nothing.
func NewAuditAlerter(client redis.Scripter, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookbuddy:library:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix}
}

// Observe records a security event from ip and reports whether the matching
// rule's threshold is reached. Events without a rule are not counted.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	rule, ok := matchRule(event, outcome)
	if !ok {
		return AlertResult{}, nil
	}
	key := strings.Join([]string{a.prefix, keySegment(event), keySegment(outcome), keySegment(ip)}, ":")
	count, err := ratelimit.CountInWindow(ctx, a.client, key, rule.window)
	if err != nil {
		return AlertResult{}, err
	}
	return AlertResult{
		Triggered: count >= rule.threshold,
		Count:     count,
		Threshold: rule.threshold,
		Window:    rule.window,
	}, nil
}

var segmentReplacer = strings.NewReplacer(":", "_", "|", "_", " ", "_")

func keySegment(in string) string {
	if in = strings.TrimSpace(in); in == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(in)
}
