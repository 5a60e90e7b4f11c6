// Package scenario loads YAML auction scenarios and provides scripted
// implementations of the interest group store, bidding and scoring
// services that play them back.
package scenario

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
	"github.com/cloudx-io/protectedauction/validation"
)

// Scenario is one auction with the scripted behaviour of every participant.
type Scenario struct {
	Name           string                   `yaml:"name"`
	KAnonMode      string                   `yaml:"kanon_mode,omitempty"`
	Auction        auctionapi.AuctionConfig `yaml:"auction"`
	InterestGroups []core.InterestGroup     `yaml:"interest_groups"`
	Bidders        []BidderScript           `yaml:"bidders,omitempty"`
	Sellers        []SellerScript           `yaml:"sellers,omitempty"`
	// Denied lists origins that may neither sell nor buy.
	Denied []string `yaml:"denied,omitempty"`

	Expect *validation.Expectation `yaml:"expect,omitempty"`
}

// BidScript is a bid a scripted bidder makes.
type BidScript struct {
	Value        float64  `yaml:"value"`
	Ad           string   `yaml:"ad,omitempty"` // render URL, defaults to the group's first ad
	Metadata     string   `yaml:"metadata,omitempty"`
	AdComponents []string `yaml:"ad_components,omitempty"`
}

// BidderScript drives the bidding routine of the interest groups of Owner,
// or only of Group when set.
type BidderScript struct {
	Owner string `yaml:"owner"`
	Group string `yaml:"group,omitempty"`

	Bid            *BidScript `yaml:"bid,omitempty"` // nil = no bid
	KAnonBid       *BidScript `yaml:"kanon_bid,omitempty"`
	KAnonSameAsBid bool       `yaml:"kanon_same_as_bid,omitempty"`

	// PriorityVector is handed to the signals handshake as the trusted
	// bidding signals priority vector.
	PriorityVector map[string]float64 `yaml:"priority_vector,omitempty"`
	SetPriority    *float64           `yaml:"set_priority,omitempty"`

	DebugWinReportURL  string                           `yaml:"debug_win_report_url,omitempty"`
	DebugLossReportURL string                           `yaml:"debug_loss_report_url,omitempty"`
	PrivateAggregation []core.PrivateAggregationRequest `yaml:"private_aggregation,omitempty"`
	Errors             []string                         `yaml:"errors,omitempty"`

	Delay        time.Duration `yaml:"delay,omitempty"`
	Crash        bool          `yaml:"crash,omitempty"`
	ConnectError string        `yaml:"connect_error,omitempty"`
}

// SellerScript drives the scoring routine of Seller. Scores are the bid
// times Scale.
type SellerScript struct {
	Seller string  `yaml:"seller"`
	Scale  float64 `yaml:"scale,omitempty"` // 0 means 1
	// Floor rejects bids below it with bid-below-auction-floor.
	Floor float64 `yaml:"floor,omitempty"`
	// Reject maps interest group owners to the reason their bids are rejected.
	Reject map[string]core.RejectReason `yaml:"reject,omitempty"`
	// ModifiedBid is returned when scoring as a component seller. Without
	// it, component bids are passed up unchanged.
	ModifiedBid *core.ModifiedBidParams `yaml:"modified_bid,omitempty"`

	DebugWinReportURL  string                           `yaml:"debug_win_report_url,omitempty"`
	DebugLossReportURL string                           `yaml:"debug_loss_report_url,omitempty"`
	PrivateAggregation []core.PrivateAggregationRequest `yaml:"private_aggregation,omitempty"`

	Delay        time.Duration `yaml:"delay,omitempty"`
	Crash        bool          `yaml:"crash,omitempty"`
	ConnectError string        `yaml:"connect_error,omitempty"`
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and checks a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// validate checks the scripts. The auction config itself is left to the
// auction so that bad input can be played back.
func (s *Scenario) validate() error {
	if _, err := ParseKAnonMode(s.KAnonMode); err != nil {
		return err
	}
	for i, g := range s.InterestGroups {
		if g.Owner == "" || g.Name == "" {
			return fmt.Errorf("interest group %d needs an owner and a name", i)
		}
	}
	seen := make(map[core.InterestGroupKey]bool)
	for i, b := range s.Bidders {
		if b.Owner == "" {
			return fmt.Errorf("bidder %d has no owner", i)
		}
		key := core.InterestGroupKey{Owner: b.Owner, Name: b.Group}
		if seen[key] {
			return fmt.Errorf("duplicate bidder script for %s", key)
		}
		seen[key] = true
	}
	sellers := make(map[string]bool)
	for i, sc := range s.Sellers {
		if sc.Seller == "" {
			return fmt.Errorf("seller %d has no origin", i)
		}
		if sellers[sc.Seller] {
			return fmt.Errorf("duplicate seller script for %s", sc.Seller)
		}
		if sc.Scale < 0 {
			return fmt.Errorf("seller %s has a negative scale", sc.Seller)
		}
		sellers[sc.Seller] = true
	}
	return nil
}

// ParseKAnonMode maps none, simulate and enforce to a core.KAnonMode. The
// empty string is none.
func ParseKAnonMode(mode string) (core.KAnonMode, error) {
	switch mode {
	case "", "none":
		return core.KAnonModeNone, nil
	case "simulate":
		return core.KAnonModeSimulate, nil
	case "enforce":
		return core.KAnonModeEnforce, nil
	default:
		return core.KAnonModeNone, fmt.Errorf("unknown k-anonymity mode %q", mode)
	}
}

// Permissions denies the scenario's denied origins.
func (s *Scenario) Permissions() auctionapi.PermissionFunc {
	denied := make(map[string]bool, len(s.Denied))
	for _, origin := range s.Denied {
		denied[origin] = true
	}
	return func(_ auctionapi.Operation, origin string) bool {
		return !denied[origin]
	}
}

// bidderScript returns the script for the group, preferring a
// group-specific script over an owner-wide one.
func (s *Scenario) bidderScript(key core.InterestGroupKey) *BidderScript {
	var ownerWide *BidderScript
	for i := range s.Bidders {
		b := &s.Bidders[i]
		if b.Owner != key.Owner {
			continue
		}
		if b.Group == key.Name {
			return b
		}
		if b.Group == "" {
			ownerWide = b
		}
	}
	return ownerWide
}

func (s *Scenario) sellerScript(seller string) *SellerScript {
	for i := range s.Sellers {
		if s.Sellers[i].Seller == seller {
			return &s.Sellers[i]
		}
	}
	return nil
}
