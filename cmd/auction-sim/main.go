// auction-sim runs the auction described by a scenario file, either against
// the scenario's scripted participants in process or against a remote
// worklet host, and prints the signed outcome.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/cloudx-io/protectedauction/outcome"
	"github.com/cloudx-io/protectedauction/scenario"
	"github.com/cloudx-io/protectedauction/workletrpc"
)

// Exit codes.
const (
	exitOK       = 0
	exitMismatch = 1
	exitError    = 2
)

type options struct {
	scenarioPath string
	remote       string
	vsockCID     uint32
	vsockPort    uint32
	signingKey   string
	publicKeyOut string
	outcomeOut   string
	format       string
	timeout      time.Duration
}

func main() {
	var opts options
	flagSet := pflag.NewFlagSet("auction-sim", pflag.ContinueOnError)
	flagSet.StringVar(&opts.scenarioPath, "scenario", "", "scenario YAML file (required)")
	flagSet.StringVar(&opts.remote, "remote", "", "TCP address of a worklet host serving the participants")
	flagSet.Uint32Var(&opts.vsockCID, "vsock-cid", 0, "vsock context ID of a worklet host serving the participants")
	flagSet.Uint32Var(&opts.vsockPort, "vsock-port", 5000, "vsock port of the worklet host")
	flagSet.StringVar(&opts.signingKey, "signing-key", "", "PEM EC private key used to sign the outcome (default: ephemeral key)")
	flagSet.StringVar(&opts.publicKeyOut, "public-key-out", "", "write the PEM verification key to this file")
	flagSet.StringVar(&opts.outcomeOut, "out", "", "write the signed outcome (COSE_Sign1) to this file")
	flagSet.StringVar(&opts.format, "format", "text", "output format: text or json")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "abort the auction after this long")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(exitOK)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	if opts.scenarioPath == "" {
		flagSet.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nError: --scenario is required\n")
		os.Exit(exitError)
	}

	code, err := run(&opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

func run(opts *options) (int, error) {
	s, err := scenario.Load(opts.scenarioPath)
	if err != nil {
		return exitError, err
	}
	signer, err := loadSigner(opts.signingKey)
	if err != nil {
		return exitError, err
	}

	var dial workletrpc.Dialer
	switch {
	case opts.remote != "":
		dial = workletrpc.TCPDialer(opts.remote)
	case opts.vsockCID != 0:
		dial = workletrpc.VsockDialer(opts.vsockCID, opts.vsockPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	var svc *scenario.Services
	if dial != nil {
		client := workletrpc.NewClient(dial)
		if err := client.Ping(ctx); err != nil {
			return exitError, fmt.Errorf("worklet host unreachable: %w", err)
		}
		svc = &scenario.Services{Store: client, Bidding: client, Scoring: client}
	}

	o, err := s.Run(ctx, svc)
	if err != nil {
		return exitError, err
	}

	signed, err := signer.Sign(o)
	if err != nil {
		return exitError, err
	}
	if err := writeOutputs(opts, signer, signed); err != nil {
		return exitError, err
	}

	check := s.Check(o)
	if opts.format == "json" {
		if err := outputJSON(o, signed, check.IsValid(), check.ValidationDetails); err != nil {
			return exitError, err
		}
	} else {
		outputText(s, o, signed, check.IsValid(), check.ValidationDetails)
	}

	if !check.IsValid() {
		return exitMismatch, nil
	}
	return exitOK, nil
}

func loadSigner(path string) (*outcome.Signer, error) {
	var key *ecdsa.PrivateKey
	if path == "" {
		generated, err := outcome.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		if key, err = outcome.ParsePrivateKeyPEM(data); err != nil {
			return nil, err
		}
	}
	return outcome.NewSigner(key)
}

func writeOutputs(opts *options, signer *outcome.Signer, signed []byte) error {
	if opts.publicKeyOut != "" {
		pemKey, err := signer.PublicKeyPEM()
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.publicKeyOut, []byte(pemKey), 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
	}
	if opts.outcomeOut != "" {
		if err := os.WriteFile(opts.outcomeOut, signed, 0o644); err != nil {
			return fmt.Errorf("write signed outcome: %w", err)
		}
	}
	return nil
}

func outputText(s *scenario.Scenario, o *outcome.Outcome, signed []byte, valid bool, details []string) {
	fmt.Printf("Scenario: %s\n", s.Name)
	fmt.Printf("Outcome:  %s\n", o.ID)
	fmt.Printf("Result:   %s\n", o.Result)
	for i, r := range o.ComponentResults {
		fmt.Printf("  component %d: %s\n", i, r)
	}
	if o.Winner != nil {
		fmt.Printf("Winner:   %s/%s bid %.6f score %.6f\n", o.Winner.Owner, o.Winner.Name, o.Winner.Bid, o.Winner.Score)
		fmt.Printf("Ad:       %s\n", o.Winner.RenderURL)
	} else {
		fmt.Println("Winner:   none")
	}
	fmt.Printf("Potential bidders: %d, bid: %d\n", o.NumPotentialBidders, len(o.InterestGroupsThatBid))

	printList("Win reports", o.DebugWinReportURLs)
	printList("Loss reports", o.DebugLossReportURLs)
	printList("K-anonymity keys", o.KAnonKeysToJoin)
	printList("Errors", o.Errors)

	fmt.Println()
	fmt.Printf("Signed outcome (%d bytes):\n%s\n", len(signed), base64.StdEncoding.EncodeToString(signed))

	if len(details) > 0 {
		fmt.Println()
		fmt.Println("Expectations:")
		for _, d := range details {
			fmt.Printf("  - %s\n", d)
		}
	}
	if valid {
		fmt.Println("EXPECTATIONS: PASSED")
	} else {
		fmt.Println("EXPECTATIONS: FAILED")
	}
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	for _, item := range items {
		fmt.Printf("  - %s\n", item)
	}
}

func outputJSON(o *outcome.Outcome, signed []byte, valid bool, details []string) error {
	output := map[string]any{
		"outcome":             o,
		"signed_outcome":      base64.StdEncoding.EncodeToString(signed),
		"expectations_valid":  valid,
		"expectation_details": details,
	}
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
