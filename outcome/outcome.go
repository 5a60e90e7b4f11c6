// Package outcome builds the record of a finished auction that is handed to
// the reporting collaborator, and signs it as a COSE_Sign1 message.
package outcome

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cloudx-io/protectedauction/core"
)

// ErrNotFinished is returned when building the outcome of a running auction.
var ErrNotFinished = errors.New("auction has not finished")

// Source is the read side of a finished auction. *auction.Runner
// implements it. The Take* methods are called exactly once.
type Source interface {
	Result() (core.AuctionResult, bool)
	ComponentResults() []core.AuctionResult
	TopBid() *core.ScoredBid
	NumPotentialBidders() int
	InterestGroupsThatBid() []core.InterestGroupKey
	KAnonKeysToJoin() []string
	TakeDebugReportURLs() (win, loss []string)
	TakePrivateAggregationRequests() map[string][]core.PrivateAggregationRequest
	TakeErrors() []string
	TakePostAuctionUpdateOwners() []string
	TakePriorityUpdates() map[core.InterestGroupKey]float64
}

// Winner describes the winning bid. Bid is the value the top-level seller
// scored, which for a component auction winner may be a modified bid.
type Winner struct {
	Owner                string   `json:"owner" cbor:"owner"`
	Name                 string   `json:"name" cbor:"name"`
	RenderURL            string   `json:"render_url" cbor:"render_url"`
	AdComponents         []string `json:"ad_components,omitempty" cbor:"ad_components,omitempty"`
	Bid                  float64  `json:"bid" cbor:"bid"`
	Score                float64  `json:"score" cbor:"score"`
	FromComponentAuction bool     `json:"from_component_auction,omitempty" cbor:"from_component_auction,omitempty"`
}

// PriorityUpdate is a priority a bidder asked to store for its group.
type PriorityUpdate struct {
	Owner    string  `json:"owner" cbor:"owner"`
	Name     string  `json:"name" cbor:"name"`
	Priority float64 `json:"priority" cbor:"priority"`
}

// Outcome is the record of one auction.
type Outcome struct {
	ID               string   `json:"id" cbor:"id"`
	Seller           string   `json:"seller" cbor:"seller"`
	Result           string   `json:"result" cbor:"result"`
	ComponentResults []string `json:"component_results,omitempty" cbor:"component_results,omitempty"`
	Winner           *Winner  `json:"winner,omitempty" cbor:"winner,omitempty"`

	NumPotentialBidders   int                     `json:"num_potential_bidders" cbor:"num_potential_bidders"`
	InterestGroupsThatBid []core.InterestGroupKey `json:"interest_groups_that_bid,omitempty" cbor:"interest_groups_that_bid,omitempty"`

	DebugWinReportURLs  []string                                    `json:"debug_win_report_urls,omitempty" cbor:"debug_win_report_urls,omitempty"`
	DebugLossReportURLs []string                                    `json:"debug_loss_report_urls,omitempty" cbor:"debug_loss_report_urls,omitempty"`
	PrivateAggregation  map[string][]core.PrivateAggregationRequest `json:"private_aggregation,omitempty" cbor:"private_aggregation,omitempty"`
	KAnonKeysToJoin     []string                                    `json:"kanon_keys_to_join,omitempty" cbor:"kanon_keys_to_join,omitempty"`

	PostAuctionUpdateOwners []string         `json:"post_auction_update_owners,omitempty" cbor:"post_auction_update_owners,omitempty"`
	PriorityUpdates         []PriorityUpdate `json:"priority_updates,omitempty" cbor:"priority_updates,omitempty"`
	Errors                  []string         `json:"errors,omitempty" cbor:"errors,omitempty"`

	// Nonce makes every signed record unique even for identical auctions.
	Nonce     string    `json:"nonce" cbor:"nonce"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// Won reports whether the auction produced a winner.
func (o *Outcome) Won() bool {
	return o.Winner != nil
}

// Build collects the outcome of the auction run by seller. It consumes the
// Take* results of src.
func Build(seller string, src Source) (*Outcome, error) {
	result, ok := src.Result()
	if !ok {
		return nil, ErrNotFinished
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate outcome nonce: %w", err)
	}

	o := &Outcome{
		ID:                    uuid.New().String(),
		Seller:                seller,
		Result:                result.String(),
		NumPotentialBidders:   src.NumPotentialBidders(),
		InterestGroupsThatBid: src.InterestGroupsThatBid(),
		KAnonKeysToJoin:       src.KAnonKeysToJoin(),
		Nonce:                 nonce,
		Timestamp:             time.Now().UTC(),
	}
	for _, r := range src.ComponentResults() {
		o.ComponentResults = append(o.ComponentResults, r.String())
	}
	if top := src.TopBid(); top != nil {
		o.Winner = &Winner{
			Owner:                top.Bid.Owner(),
			Name:                 top.Bid.State.Group.Name,
			RenderURL:            top.Bid.RenderURL,
			AdComponents:         top.Bid.AdComponents,
			Bid:                  top.Bid.Value,
			Score:                top.Score,
			FromComponentAuction: top.Bid.ComponentWinner != nil,
		}
	}

	o.DebugWinReportURLs, o.DebugLossReportURLs = src.TakeDebugReportURLs()
	o.PrivateAggregation = src.TakePrivateAggregationRequests()
	o.Errors = src.TakeErrors()
	o.PostAuctionUpdateOwners = src.TakePostAuctionUpdateOwners()
	for key, priority := range src.TakePriorityUpdates() {
		o.PriorityUpdates = append(o.PriorityUpdates, PriorityUpdate{Owner: key.Owner, Name: key.Name, Priority: priority})
	}
	slices.SortFunc(o.PriorityUpdates, func(a, b PriorityUpdate) int {
		if c := strings.Compare(a.Owner, b.Owner); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return o, nil
}

func generateNonce() (string, error) {
	randomBytes := make([]byte, 32) // 256 bits of entropy
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// MarshalPayload encodes o as deterministic CBOR.
func MarshalPayload(o *Outcome) ([]byte, error) {
	data, err := encMode.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outcome: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a CBOR encoded outcome.
func UnmarshalPayload(data []byte) (*Outcome, error) {
	var o Outcome
	if err := cbor.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode outcome: %w", err)
	}
	return &o, nil
}
