// Package source models a single fetchable endpoint for a transfer:
// its probed capabilities and a mutable health score maintained by the
// scheduler.
package source

import "sync/atomic"

// Validator is an opaque origin-supplied token (ETag or Last-Modified)
// used to detect whether a resume target still refers to the same
// content.
type Validator string

// Source is an endpoint the target content can be fetched from. Everything
// but Score is set once by the Prober and never mutated afterward; Score is
// the only field the Scheduler is allowed to change post-probe.
type Source struct {
	URL           string
	TotalSize     int64 // -1 when unknown
	SupportsRange bool
	Validator     Validator

	score      atomic.Uint64 // float64 bits: starts at 1.0, then an EWMA of observed raw bytes/sec
	healthy    atomic.Bool
	failStreak atomic.Int32
}

// New creates a Source with an initial health score of 1.0, healthy.
func New(url string) *Source {
	s := &Source{URL: url}
	s.healthy.Store(true)
	s.SetScore(1.0)
	return s
}

// Score returns the current EWMA health score.
func (s *Source) Score() float64 {
	return float64FromBits(s.score.Load())
}

// SetScore overwrites the score directly (used for the initial 1.0 and for
// restoring a demoted source to 1.0 on a subsequent success).
func (s *Source) SetScore(v float64) {
	s.score.Store(bitsFromFloat64(v))
}

// UpdateEWMA folds a new bytes/sec observation into the score with the
// factor specified by the scheduler (default alpha = 0.3).
func (s *Source) UpdateEWMA(sample, alpha float64) {
	cur := s.Score()
	s.SetScore(alpha*sample + (1-alpha)*cur)
}

// Healthy reports whether the source may still be assigned work.
func (s *Source) Healthy() bool {
	return s.healthy.Load()
}

// RecordFailure increments the consecutive-failure streak and demotes the
// source to unhealthy (score 0) after three in a row.
func (s *Source) RecordFailure() {
	n := s.failStreak.Add(1)
	if n >= 3 {
		s.healthy.Store(false)
		s.SetScore(0)
	}
}

// RecordSuccess clears the failure streak and, if the source had been
// marked unhealthy, restores it to full health with score 1.0.
func (s *Source) RecordSuccess() {
	wasUnhealthy := !s.healthy.Load()
	s.failStreak.Store(0)
	if wasUnhealthy {
		s.healthy.Store(true)
		s.SetScore(1.0)
	}
}

// Demote immediately marks the source unhealthy, bypassing the
// three-strikes rule — used when a source revokes range support or
// returns a non-retryable 4xx.
func (s *Source) Demote() {
	s.healthy.Store(false)
	s.SetScore(0)
	s.failStreak.Store(0)
}
