package validation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/cloudx-io/protectedauction/outcome"
)

// ValidateSignedOutcome verifies the signature of a signed outcome and
// checks its content against the expectation:
// - Signature was made by the given key
// - Auction and component results match
// - Winner and winning bid match
// - Debug report URLs match
// - Number of reported errors matches
//
// Returns:
//   - SignedOutcomeResult with detailed results (call result.IsValid() to check overall status)
//   - the decoded outcome, even when the signature did not verify
//   - error if validation cannot be performed (e.g., malformed input)
func ValidateSignedOutcome(input *SignedOutcomeInput) (*SignedOutcomeResult, *outcome.Outcome, error) {
	if input.PublicKey == nil {
		return nil, nil, fmt.Errorf("public key is required")
	}

	result := &SignedOutcomeResult{}
	o, err := outcome.Verify(input.SignedOutcome, input.PublicKey)
	switch {
	case err == nil:
		result.SignatureValid = true
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Signature valid for outcome %s", o.ID))
	case errors.Is(err, outcome.ErrInvalidSignature):
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Signature verification failed: %v", err))
		if o, err = outcome.Inspect(input.SignedOutcome); err != nil {
			return nil, nil, fmt.Errorf("decode outcome: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("parse signed outcome: %w", err)
	}

	expectation := input.Expectation
	if expectation == nil {
		expectation = &Expectation{}
	}
	details := result.ValidationDetails
	result.ExpectationResult = *CheckOutcome(o, expectation)
	result.ValidationDetails = append(details, result.ValidationDetails...)
	return result, o, nil
}

// CheckOutcome compares an outcome with the expectation.
func CheckOutcome(o *outcome.Outcome, exp *Expectation) *ExpectationResult {
	result := &ExpectationResult{}
	result.ResultValid = validateResult(o, exp, result)
	result.WinnerValid = validateWinner(o, exp, result)
	result.WinningBidValid = validateWinningBid(o, exp, result)
	result.ComponentResultsValid = validateComponentResults(o, exp, result)
	result.ReportURLsValid = validateReportURLs(o, exp, result)
	result.ErrorCountValid = validateErrorCount(o, exp, result)
	return result
}

func validateResult(o *outcome.Outcome, exp *Expectation, result *ExpectationResult) bool {
	if exp.Result == "" {
		return true
	}
	if exp.Result == o.Result {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Result validation passed: %s", o.Result))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Result mismatch: expected %s, outcome has %s", exp.Result, o.Result))
	return false
}

func validateWinner(o *outcome.Outcome, exp *Expectation, result *ExpectationResult) bool {
	if exp.NoWinner {
		if o.Winner == nil {
			result.ValidationDetails = append(result.ValidationDetails, "Winner validation passed: no winner expected and no winner in outcome")
			return true
		}
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner mismatch: expected no winner, but %s/%s won", o.Winner.Owner, o.Winner.Name))
		return false
	}
	if exp.WinnerOwner == "" && exp.WinnerName == "" {
		return true
	}
	if o.Winner == nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner mismatch: expected %s/%s, but outcome has no winner", exp.WinnerOwner, exp.WinnerName))
		return false
	}
	ownerOK := exp.WinnerOwner == "" || exp.WinnerOwner == o.Winner.Owner
	nameOK := exp.WinnerName == "" || exp.WinnerName == o.Winner.Name
	if ownerOK && nameOK {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner validation passed: %s/%s", o.Winner.Owner, o.Winner.Name))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner mismatch: expected %s/%s, outcome has %s/%s", exp.WinnerOwner, exp.WinnerName, o.Winner.Owner, o.Winner.Name))
	return false
}

func validateWinningBid(o *outcome.Outcome, exp *Expectation, result *ExpectationResult) bool {
	if exp.WinningBid == nil {
		return true
	}
	if o.Winner == nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winning bid mismatch: expected %.6f, but outcome has no winner", *exp.WinningBid))
		return false
	}
	if *exp.WinningBid == o.Winner.Bid {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winning bid validation passed: %.6f", o.Winner.Bid))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winning bid mismatch: expected %.6f, outcome has %.6f", *exp.WinningBid, o.Winner.Bid))
	return false
}

func validateComponentResults(o *outcome.Outcome, exp *Expectation, result *ExpectationResult) bool {
	if exp.ComponentResults == nil {
		return true
	}
	if slices.Equal(exp.ComponentResults, o.ComponentResults) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Component results validation passed: %v", o.ComponentResults))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Component results mismatch: expected %v, outcome has %v", exp.ComponentResults, o.ComponentResults))
	return false
}

func validateReportURLs(o *outcome.Outcome, exp *Expectation, result *ExpectationResult) bool {
	valid := true
	if exp.WinReportURLs != nil && !sameURLs(exp.WinReportURLs, o.DebugWinReportURLs) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Win report URLs mismatch: expected %v, outcome has %v", exp.WinReportURLs, o.DebugWinReportURLs))
		valid = false
	}
	if exp.LossReportURLs != nil && !sameURLs(exp.LossReportURLs, o.DebugLossReportURLs) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Loss report URLs mismatch: expected %v, outcome has %v", exp.LossReportURLs, o.DebugLossReportURLs))
		valid = false
	}
	if valid && (exp.WinReportURLs != nil || exp.LossReportURLs != nil) {
		result.ValidationDetails = append(result.ValidationDetails, "Report URLs validation passed")
	}
	return valid
}

// sameURLs compares report URLs ignoring order, since loss reports follow
// interest group load order.
func sameURLs(want, got []string) bool {
	want, got = slices.Clone(want), slices.Clone(got)
	slices.Sort(want)
	slices.Sort(got)
	return slices.Equal(want, got)
}

func validateErrorCount(o *outcome.Outcome, exp *Expectation, result *ExpectationResult) bool {
	if exp.ErrorCount == nil {
		return true
	}
	if *exp.ErrorCount == len(o.Errors) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Error count validation passed: %d", len(o.Errors)))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Error count mismatch: expected %d, outcome has %d (%v)", *exp.ErrorCount, len(o.Errors), o.Errors))
	return false
}
