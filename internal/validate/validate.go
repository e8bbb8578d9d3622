// Package validate implements the Validator: per-symbol freshness,
// structure, quality and frequency checks against the configured SLO.
package validate

import (
	"context"
	"time"

	"ingestd/internal/metrics"
)

// Config parameterizes the SLO thresholds. Only FreshnessMax affects
// Validate: FrequencyMin and QualityWindow are defaulted by New but not
// read. Frequency passes on at least one event in the last minute, and
// the quality checks cover whatever window the caller's SymbolStats span.
type Config struct {
	FreshnessMax  time.Duration
	FrequencyMin  time.Duration
	QualityWindow time.Duration
}

// SymbolStats is the subset of per-symbol store state the Validator needs,
// supplied by the caller (typically DBStats-style queries).
type SymbolStats struct {
	SymbolID         int64
	Code             string
	LastTSExchange   time.Time
	EventsLastMinute int64
	EventsLastHour   int64
	NullsLastHour    int64
	InvertedBooks    int64
	NonPositiveQty   int64
}

// Verdict is one symbol's pass/fail per check.
type Verdict struct {
	SymbolID  int64  `json:"symbol_id"`
	Code      string `json:"code"`
	Freshness bool   `json:"freshness"`
	Structure bool   `json:"structure"`
	Quality   bool   `json:"quality"`
	Frequency bool   `json:"frequency"`
}

// Pass reports whether every check passed for this symbol.
func (v Verdict) Pass() bool {
	return v.Freshness && v.Structure && v.Quality && v.Frequency
}

// Result is the aggregated Validate() response.
type Result struct {
	Pass     bool      `json:"pass"`
	Verdicts []Verdict `json:"verdicts"`
	At       time.Time `json:"at"`
}

// Validator computes per-symbol verdicts from a snapshot of SymbolStats.
type Validator struct {
	cfg Config
}

// New constructs a Validator with the given SLO thresholds.
func New(cfg Config) *Validator {
	if cfg.FreshnessMax <= 0 {
		cfg.FreshnessMax = 5 * time.Minute
	}
	if cfg.FrequencyMin <= 0 {
		cfg.FrequencyMin = time.Minute
	}
	if cfg.QualityWindow <= 0 {
		cfg.QualityWindow = time.Hour
	}
	return &Validator{cfg: cfg}
}

// Validate evaluates every symbol in stats against the configured SLO.
func (v *Validator) Validate(ctx context.Context, stats []SymbolStats) Result {
	now := time.Now().UTC()
	result := Result{Pass: true, At: now, Verdicts: make([]Verdict, 0, len(stats))}
	failing := map[string]float64{"freshness": 0, "structure": 0, "quality": 0, "frequency": 0}

	for _, s := range stats {
		verdict := Verdict{
			SymbolID:  s.SymbolID,
			Code:      s.Code,
			Freshness: now.Sub(s.LastTSExchange) <= v.cfg.FreshnessMax,
			Structure: s.EventsLastHour == 0 || (s.InvertedBooks == 0 && s.NonPositiveQty == 0),
			Quality:   s.NullsLastHour == 0 && s.InvertedBooks == 0 && s.NonPositiveQty == 0,
			Frequency: s.EventsLastMinute >= 1,
		}

		if !verdict.Freshness {
			failing["freshness"]++
		}
		if !verdict.Structure {
			failing["structure"]++
		}
		if !verdict.Quality {
			failing["quality"]++
		}
		if !verdict.Frequency {
			failing["frequency"]++
		}

		if !verdict.Pass() {
			result.Pass = false
		}
		result.Verdicts = append(result.Verdicts, verdict)
	}

	for check, count := range failing {
		metrics.ValidatorFailures.WithLabelValues(check).Set(count)
	}

	return result
}
