// Package policy holds the versioned configuration snapshot consumed by the
// planner, the tempfail retry planner and the merge engine.
//
// A Policy is passed explicitly into each component call; nothing in the
// pipeline reads engine-wide settings ambiently.
package policy

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Catch-all policies.
const (
	CatchAllRiskyOnly         = "risky_only"
	CatchAllPromoteIfScoreGTE = "promote_if_score_gte"
)

// Buckets used as scoring table keys.
const (
	BucketValid   = "valid"
	BucketInvalid = "invalid"
	BucketRisky   = "risky"
)

// Policy is the pipeline configuration snapshot.
type Policy struct {
	// ChunkSize is the maximum number of emails per chunk.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size" mapstructure:"chunk_size"`

	// CacheBatchSize is the number of emails per cache lookup.
	CacheBatchSize int `json:"cache_batch_size" yaml:"cache_batch_size" mapstructure:"cache_batch_size"`

	// DedupeMemoryLimit caps the in-memory dedupe set before spilling to disk.
	DedupeMemoryLimit int `json:"dedupe_memory_limit" yaml:"dedupe_memory_limit" mapstructure:"dedupe_memory_limit"`

	// LeaseSeconds is the default chunk lease length.
	LeaseSeconds int `json:"lease_seconds" yaml:"lease_seconds" mapstructure:"lease_seconds"`

	// MaxAttempts bounds worker-reported failures per chunk.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// FinalizeLockSeconds bounds how long one finalize may hold a job.
	FinalizeLockSeconds int `json:"finalize_lock_seconds" yaml:"finalize_lock_seconds" mapstructure:"finalize_lock_seconds"`

	// GroupByDomain orders unknown emails by domain before splitting.
	GroupByDomain bool `json:"group_by_domain" yaml:"group_by_domain" mapstructure:"group_by_domain"`

	Tempfail Tempfail      `json:"tempfail" yaml:"tempfail" mapstructure:"tempfail"`
	CatchAll CatchAll      `json:"catch_all" yaml:"catch_all" mapstructure:"catch_all"`
	Scoring  Scoring       `json:"scoring" yaml:"scoring" mapstructure:"scoring"`
	Routing  []RoutingRule `json:"routing,omitempty" yaml:"routing,omitempty" mapstructure:"routing"`
}

// Tempfail configures derived retry chunks for transient SMTP outcomes.
type Tempfail struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// Reasons are the reason codes that mark a risky row as tempfail.
	Reasons []string `json:"reasons" yaml:"reasons" mapstructure:"reasons"`

	// MaxAttempts is the deepest retry_attempt a derived chunk may reach.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// BackoffMinutes is a positional table, e.g. "5,15,60".
	BackoffMinutes string `json:"backoff_minutes" yaml:"backoff_minutes" mapstructure:"backoff_minutes"`

	// BackoffFallbackMinutes applies when the table cannot be parsed.
	BackoffFallbackMinutes int `json:"backoff_fallback_minutes" yaml:"backoff_fallback_minutes" mapstructure:"backoff_fallback_minutes"`
}

// CatchAll configures how sub_status=catch_all rows are bucketed.
type CatchAll struct {
	Policy    string `json:"policy" yaml:"policy" mapstructure:"policy"`
	Threshold int    `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
}

// Scoring holds the deliverability scoring tables.
type Scoring struct {
	// Base is the score per bucket (valid, invalid, risky).
	Base map[string]int `json:"base,omitempty" yaml:"base" mapstructure:"base"`

	// ReasonOverrides replace the base score for specific reason codes.
	ReasonOverrides map[string]int `json:"reason_overrides,omitempty" yaml:"reason_overrides" mapstructure:"reason_overrides"`

	// SubStatusCaps are ceilings applied after overrides.
	SubStatusCaps map[string]int `json:"sub_status_caps,omitempty" yaml:"sub_status_caps" mapstructure:"sub_status_caps"`

	// CacheAdjustments are deltas per bucket for rows confirmed by the cache.
	CacheAdjustments map[string]int `json:"cache_adjustments,omitempty" yaml:"cache_adjustments" mapstructure:"cache_adjustments"`
}

// RoutingRule maps an email domain glob to a provider hint.
type RoutingRule struct {
	Pattern  string `json:"pattern" yaml:"pattern" mapstructure:"pattern"`
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"`
}

// Defaults returns the built-in snapshot.
func Defaults() Policy {
	return Policy{
		ChunkSize:           1000,
		CacheBatchSize:      500,
		DedupeMemoryLimit:   250000,
		LeaseSeconds:        600,
		MaxAttempts:         3,
		FinalizeLockSeconds: 300,
		Tempfail: Tempfail{
			Enabled:                false,
			Reasons:                []string{"smtp_tempfail", "greylisted"},
			MaxAttempts:            2,
			BackoffMinutes:         "5,15,60",
			BackoffFallbackMinutes: 10,
		},
		CatchAll: CatchAll{
			Policy:    CatchAllRiskyOnly,
			Threshold: 80,
		},
		Scoring: Scoring{
			Base: map[string]int{
				BucketValid:   95,
				BucketInvalid: 5,
				BucketRisky:   50,
			},
			ReasonOverrides:  map[string]int{},
			SubStatusCaps:    map[string]int{"catch_all": 75},
			CacheAdjustments: map[string]int{BucketValid: 20, BucketInvalid: -50},
		},
	}
}

// ApplyDefaults fills unset fields from Defaults. Booleans are left as
// given.
func (p *Policy) ApplyDefaults() {
	d := Defaults()
	setInt := func(dst *int, def int) {
		if *dst <= 0 {
			*dst = def
		}
	}
	setInt(&p.ChunkSize, d.ChunkSize)
	setInt(&p.CacheBatchSize, d.CacheBatchSize)
	setInt(&p.DedupeMemoryLimit, d.DedupeMemoryLimit)
	setInt(&p.LeaseSeconds, d.LeaseSeconds)
	setInt(&p.MaxAttempts, d.MaxAttempts)
	setInt(&p.FinalizeLockSeconds, d.FinalizeLockSeconds)
	setInt(&p.Tempfail.MaxAttempts, d.Tempfail.MaxAttempts)
	setInt(&p.Tempfail.BackoffFallbackMinutes, d.Tempfail.BackoffFallbackMinutes)

	if p.Tempfail.Reasons == nil {
		p.Tempfail.Reasons = d.Tempfail.Reasons
	}
	if strings.TrimSpace(p.Tempfail.BackoffMinutes) == "" {
		p.Tempfail.BackoffMinutes = d.Tempfail.BackoffMinutes
	}
	if strings.TrimSpace(p.CatchAll.Policy) == "" {
		p.CatchAll.Policy = d.CatchAll.Policy
	}
	if p.CatchAll.Threshold <= 0 {
		p.CatchAll.Threshold = d.CatchAll.Threshold
	}

	if p.Scoring.Base == nil {
		p.Scoring.Base = map[string]int{}
	}
	for k, v := range d.Scoring.Base {
		if _, ok := p.Scoring.Base[k]; !ok {
			p.Scoring.Base[k] = v
		}
	}
	if p.Scoring.ReasonOverrides == nil {
		p.Scoring.ReasonOverrides = d.Scoring.ReasonOverrides
	}
	if p.Scoring.SubStatusCaps == nil {
		p.Scoring.SubStatusCaps = d.Scoring.SubStatusCaps
	}
	if p.Scoring.CacheAdjustments == nil {
		p.Scoring.CacheAdjustments = d.Scoring.CacheAdjustments
	}

	p.normalize()
}

func (p *Policy) normalize() {
	p.Tempfail.Reasons = normalizeCodes(p.Tempfail.Reasons)
	p.CatchAll.Policy = strings.ToLower(strings.TrimSpace(p.CatchAll.Policy))
	p.Scoring.ReasonOverrides = normalizeKeys(p.Scoring.ReasonOverrides)
	p.Scoring.SubStatusCaps = normalizeKeys(p.Scoring.SubStatusCaps)
	p.Scoring.CacheAdjustments = normalizeKeys(p.Scoring.CacheAdjustments)
	p.Scoring.Base = normalizeKeys(p.Scoring.Base)
	for i := range p.Routing {
		p.Routing[i].Pattern = strings.ToLower(strings.TrimSpace(p.Routing[i].Pattern))
		p.Routing[i].Provider = strings.TrimSpace(p.Routing[i].Provider)
	}
}

// LeaseDuration returns LeaseSeconds as a duration.
func (p Policy) LeaseDuration() time.Duration {
	return time.Duration(p.LeaseSeconds) * time.Second
}

// FinalizeLockDuration returns FinalizeLockSeconds as a duration.
func (p Policy) FinalizeLockDuration() time.Duration {
	return time.Duration(p.FinalizeLockSeconds) * time.Second
}

// IsTempfailReason reports whether reason is one of the tempfail codes.
func (p Policy) IsTempfailReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	for _, r := range p.Tempfail.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Backoff returns the delay before a retry chunk with the given
// retry_attempt (1-based) becomes available.
//
// The minute table is read positionally; attempts past the end use the last
// entry. An unparseable table yields BackoffFallbackMinutes.
func (p Policy) Backoff(retryAttempt int) time.Duration {
	table, ok := parseMinuteTable(p.Tempfail.BackoffMinutes)
	if !ok {
		return time.Duration(p.Tempfail.BackoffFallbackMinutes) * time.Minute
	}
	idx := retryAttempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return time.Duration(table[idx]) * time.Minute
}

func parseMinuteTable(raw string) ([]int, bool) {
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, false
		}
		out = append(out, n)
	}
	return out, len(out) > 0
}

// BaseScore returns the configured base score of a bucket.
func (p Policy) BaseScore(bucket string) int {
	return p.Scoring.Base[bucket]
}

// ReasonOverride returns the score configured for a reason code.
func (p Policy) ReasonOverride(reason string) (int, bool) {
	v, ok := p.Scoring.ReasonOverrides[strings.ToLower(strings.TrimSpace(reason))]
	return v, ok
}

// SubStatusCap returns the ceiling configured for a sub-status.
func (p Policy) SubStatusCap(subStatus string) (int, bool) {
	v, ok := p.Scoring.SubStatusCaps[strings.ToLower(strings.TrimSpace(subStatus))]
	return v, ok
}

// CacheAdjustment returns the delta applied to cache-confirmed rows of a
// bucket.
func (p Policy) CacheAdjustment(bucket string) int {
	return p.Scoring.CacheAdjustments[bucket]
}

func normalizeCodes(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func normalizeKeys(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}
