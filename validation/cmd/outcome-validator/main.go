package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/cloudx-io/protectedauction/outcome"
	"github.com/cloudx-io/protectedauction/scenario"
	"github.com/cloudx-io/protectedauction/validation"
)

func main() {
	// Define CLI flags
	var (
		outcomeInput   string
		publicKeyPath  string
		scenarioPath   string
		expectedResult string
		expectedWinner string
		outputFormat   string
		help           bool
	)
	flagSet := pflag.NewFlagSet("outcome-validator", pflag.ContinueOnError)
	flagSet.StringVar(&outcomeInput, "outcome", "", "Signed outcome (file path or inline base64)")
	flagSet.StringVar(&publicKeyPath, "public-key", "", "PEM verification key file")
	flagSet.StringVar(&scenarioPath, "scenario", "", "Scenario YAML whose expectations the outcome must meet")
	flagSet.StringVar(&expectedResult, "result", "", "Expected auction result (overrides the scenario)")
	flagSet.StringVar(&expectedWinner, "winner", "", "Expected winning interest group owner (overrides the scenario)")
	flagSet.StringVar(&outputFormat, "format", "text", "Output format: text or json")
	flagSet.BoolVarP(&help, "help", "h", false, "Show usage information")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	// Show help
	if help {
		showUsage(flagSet)
		os.Exit(0)
	}

	// Check for required inputs
	if outcomeInput == "" || publicKeyPath == "" {
		showUsage(flagSet)
		fmt.Fprintf(os.Stderr, "\nError: --outcome and --public-key are required\n")
		os.Exit(1)
	}

	signed, err := readSignedOutcome(outcomeInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading outcome: %v\n", err)
		os.Exit(2)
	}

	keyPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading public key: %v\n", err)
		os.Exit(2)
	}
	publicKey, err := outcome.ParsePublicKeyPEM(keyPEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing public key: %v\n", err)
		os.Exit(2)
	}

	expectation := &validation.Expectation{}
	if scenarioPath != "" {
		s, err := scenario.Load(scenarioPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading scenario: %v\n", err)
			os.Exit(2)
		}
		if s.Expect != nil {
			expectation = s.Expect
		}
	}
	if expectedResult != "" {
		expectation.Result = expectedResult
	}
	if expectedWinner != "" {
		expectation.WinnerOwner = expectedWinner
	}

	// Validate using library
	result, o, err := validation.ValidateSignedOutcome(&validation.SignedOutcomeInput{
		SignedOutcome: signed,
		PublicKey:     publicKey,
		Expectation:   expectation,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	// Output results
	if outputFormat == "json" {
		outputJSON(result, o)
	} else {
		outputText(result, o)
	}

	// Exit with appropriate code
	if !result.IsValid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage(flagSet *pflag.FlagSet) {
	fmt.Println("Auction Outcome Validator")
	fmt.Println()
	fmt.Println("Verifies the signature of a signed auction outcome and checks its content.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  outcome-validator --outcome <file|base64> --public-key <pem> [options]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Print(flagSet.FlagUsages())
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a scenario, then validate its outcome")
	fmt.Println("  auction-sim --scenario basic.yaml --out outcome.cose --public-key-out outcome.pem")
	fmt.Println("  outcome-validator --outcome outcome.cose --public-key outcome.pem --scenario basic.yaml")
	fmt.Println()
	fmt.Println("Exit Codes:")
	fmt.Println("  0 - Validation passed")
	fmt.Println("  1 - Validation failed")
	fmt.Println("  2 - Invalid input or runtime error")
}

func readSignedOutcome(input string) ([]byte, error) {
	// Try reading as file first
	if data, err := os.ReadFile(input); err == nil {
		return data, nil
	}
	// Treat as inline base64
	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("not a readable file or valid base64: %w", err)
	}
	return data, nil
}

func outputText(result *validation.SignedOutcomeResult, o *outcome.Outcome) {
	fmt.Println("Auction Outcome Validator")
	fmt.Println("=========================")
	fmt.Println()
	fmt.Printf("Outcome: %s (seller %s)\n", o.ID, o.Seller)

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Signature Valid:          %v\n", result.SignatureValid)
	fmt.Printf("  Result Valid:             %v\n", result.ResultValid)
	fmt.Printf("  Winner Valid:             %v\n", result.WinnerValid)
	fmt.Printf("  Winning Bid Valid:        %v\n", result.WinningBidValid)
	fmt.Printf("  Component Results Valid:  %v\n", result.ComponentResultsValid)
	fmt.Printf("  Report URLs Valid:        %v\n", result.ReportURLsValid)
	fmt.Printf("  Error Count Valid:        %v\n", result.ErrorCountValid)

	fmt.Println()
	fmt.Println("Details:")
	for _, detail := range result.ValidationDetails {
		fmt.Printf("  - %s\n", detail)
	}

	fmt.Println()
	fmt.Println("=========================")
	if result.IsValid() {
		fmt.Println("VALIDATION: ✓ PASSED")
		fmt.Println("Exit Code: 0")
	} else {
		fmt.Println("VALIDATION: ✗ FAILED")
		fmt.Println("Exit Code: 1")
	}
}

func outputJSON(result *validation.SignedOutcomeResult, o *outcome.Outcome) {
	output := map[string]any{
		"valid":                   result.IsValid(),
		"outcome_id":              o.ID,
		"signature_valid":         result.SignatureValid,
		"result_valid":            result.ResultValid,
		"winner_valid":            result.WinnerValid,
		"winning_bid_valid":       result.WinningBidValid,
		"component_results_valid": result.ComponentResultsValid,
		"report_urls_valid":       result.ReportURLsValid,
		"error_count_valid":       result.ErrorCountValid,
		"details":                 result.ValidationDetails,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(data))
}
