package validation

import (
	"crypto/ecdsa"
)

// Expectation describes what the outcome of an auction should look like.
// Unset fields are not checked.
type Expectation struct {
	Result           string   `json:"result,omitempty" yaml:"result,omitempty"`
	WinnerOwner      string   `json:"winner_owner,omitempty" yaml:"winner_owner,omitempty"`
	WinnerName       string   `json:"winner_name,omitempty" yaml:"winner_name,omitempty"`
	WinningBid       *float64 `json:"winning_bid,omitempty" yaml:"winning_bid,omitempty"`
	NoWinner         bool     `json:"no_winner,omitempty" yaml:"no_winner,omitempty"`
	ComponentResults []string `json:"component_results,omitempty" yaml:"component_results,omitempty"`
	WinReportURLs    []string `json:"win_report_urls,omitempty" yaml:"win_report_urls,omitempty"`
	LossReportURLs   []string `json:"loss_report_urls,omitempty" yaml:"loss_report_urls,omitempty"`
	ErrorCount       *int     `json:"error_count,omitempty" yaml:"error_count,omitempty"`
}

// ExpectationResult contains the result of checking an outcome against an
// Expectation.
type ExpectationResult struct {
	ResultValid           bool
	WinnerValid           bool
	WinningBidValid       bool
	ComponentResultsValid bool
	ReportURLsValid       bool
	ErrorCountValid       bool
	ValidationDetails     []string
}

// IsValid returns true if all expectation checks passed
func (r *ExpectationResult) IsValid() bool {
	return r.ResultValid && r.WinnerValid && r.WinningBidValid &&
		r.ComponentResultsValid && r.ReportURLsValid && r.ErrorCountValid
}

// SignedOutcomeInput contains all inputs needed to validate a signed outcome
type SignedOutcomeInput struct {
	SignedOutcome []byte
	PublicKey     *ecdsa.PublicKey
	Expectation   *Expectation // nil = only check the signature
}

// SignedOutcomeResult contains validation results for a signed outcome
type SignedOutcomeResult struct {
	ExpectationResult
	SignatureValid bool
}

// IsValid returns true if the signature and all expectation checks passed
func (r *SignedOutcomeResult) IsValid() bool {
	return r.SignatureValid && r.ExpectationResult.IsValid()
}
