package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Success records one generated ledger entry.
type Success struct {
	Kind              Kind            `json:"kind"`
	ObligationID      ObligationID    `json:"obligation_id"`
	OwnerID           OwnerID         `json:"owner_id,omitempty"`
	EntryID           EntryID         `json:"entry_id"`
	Period            string          `json:"period"`
	AmountARS         decimal.Decimal `json:"amount_ars"`
	AmountUSD         decimal.Decimal `json:"amount_usd"`
	InstallmentNumber int             `json:"installment_number,omitempty"`
}

// Failure records one obligation that could not be generated.
type Failure struct {
	Kind         Kind         `json:"kind"`
	ObligationID ObligationID `json:"obligation_id"`
	OwnerID      OwnerID      `json:"owner_id,omitempty"`
	Error        string       `json:"error"`
	Class        ErrorClass   `json:"class"`
	Retryable    bool         `json:"retryable"`

	Err error `json:"-"`
}

// KindStats is the per-kind breakdown of a pass.
type KindStats struct {
	Processed int `json:"processed"`
	Generated int `json:"generated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (s *KindStats) add(o KindStats) {
	s.Processed += o.Processed
	s.Generated += o.Generated
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// Summary aggregates a pass.
type Summary struct {
	TotalProcessed   int                 `json:"total_processed"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
	ByKind           map[Kind]*KindStats `json:"by_kind"`
	Date             Date                `json:"-"`
}

// Result is the report of a pass.
type Result struct {
	Success []Success `json:"success"`
	Errors  []Failure `json:"errors"`
	Summary Summary   `json:"summary"`
}

func NewResult() *Result {
	return &Result{
		Success: []Success{},
		Errors:  []Failure{},
		Summary: Summary{ByKind: make(map[Kind]*KindStats)},
	}
}

// Stats returns the breakdown for kind, creating it on first use.
func (r *Result) Stats(kind Kind) *KindStats {
	s, ok := r.Summary.ByKind[kind]
	if !ok {
		s = &KindStats{}
		r.Summary.ByKind[kind] = s
	}
	return s
}

// Merge folds other into r.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Success = append(r.Success, other.Success...)
	r.Errors = append(r.Errors, other.Errors...)
	for kind, s := range other.Summary.ByKind {
		r.Stats(kind).add(*s)
	}
	r.Summary.TotalProcessed += other.Summary.TotalProcessed
	r.Summary.ProcessingTimeMs += other.Summary.ProcessingTimeMs
	if r.Summary.Date.IsZero() {
		r.Summary.Date = other.Summary.Date
	}
}

func (r *Result) finish(started time.Time) {
	total := 0
	for _, s := range r.Summary.ByKind {
		total += s.Processed
	}
	r.Summary.TotalProcessed = total
	r.Summary.ProcessingTimeMs = time.Since(started).Milliseconds()
}

// Generated is the number of entries written.
func (r *Result) Generated() int { return len(r.Success) }

// Failed is the number of obligations that failed.
func (r *Result) Failed() int { return len(r.Errors) }

// RetryableFailures returns the failures worth queueing for retry.
func (r *Result) RetryableFailures() []Failure {
	var out []Failure
	for _, f := range r.Errors {
		if f.Retryable {
			out = append(out, f)
		}
	}
	return out
}
