package auctionapi

import (
	"fmt"
	"time"

	"github.com/cloudx-io/protectedauction/core"
)

// AuctionConfig is the seller-provided configuration of one auction level.
// It is not modified once an auction starts.
type AuctionConfig struct {
	Seller           string `json:"seller" yaml:"seller" cbor:"seller"`
	DecisionLogicURL string `json:"decision_logic_url" yaml:"decision_logic_url" cbor:"decision_logic_url"`

	// Buyers lists the interest group owners invited to bid.
	Buyers []string `json:"buyers,omitempty" yaml:"buyers,omitempty" cbor:"buyers,omitempty"`

	AuctionSignals  string            `json:"auction_signals,omitempty" yaml:"auction_signals,omitempty" cbor:"auction_signals,omitempty"`
	SellerSignals   string            `json:"seller_signals,omitempty" yaml:"seller_signals,omitempty" cbor:"seller_signals,omitempty"`
	PerBuyerSignals map[string]string `json:"per_buyer_signals,omitempty" yaml:"per_buyer_signals,omitempty" cbor:"per_buyer_signals,omitempty"`

	SellerTimeout    time.Duration            `json:"seller_timeout,omitempty" yaml:"seller_timeout,omitempty" cbor:"seller_timeout,omitempty"`
	AllBuyersTimeout time.Duration            `json:"all_buyers_timeout,omitempty" yaml:"all_buyers_timeout,omitempty" cbor:"all_buyers_timeout,omitempty"`
	PerBuyerTimeouts map[string]time.Duration `json:"per_buyer_timeouts,omitempty" yaml:"per_buyer_timeouts,omitempty" cbor:"per_buyer_timeouts,omitempty"`

	AllBuyersGroupLimit int            `json:"all_buyers_group_limit,omitempty" yaml:"all_buyers_group_limit,omitempty" cbor:"all_buyers_group_limit,omitempty"`
	PerBuyerGroupLimits map[string]int `json:"per_buyer_group_limits,omitempty" yaml:"per_buyer_group_limits,omitempty" cbor:"per_buyer_group_limits,omitempty"`

	AllBuyersPrioritySignals map[string]float64            `json:"all_buyers_priority_signals,omitempty" yaml:"all_buyers_priority_signals,omitempty" cbor:"all_buyers_priority_signals,omitempty"`
	PerBuyerPrioritySignals  map[string]map[string]float64 `json:"per_buyer_priority_signals,omitempty" yaml:"per_buyer_priority_signals,omitempty" cbor:"per_buyer_priority_signals,omitempty"`

	// ComponentAuctions are nested auctions whose winners bid in this one.
	// Only a top-level config may have them.
	ComponentAuctions []AuctionConfig `json:"component_auctions,omitempty" yaml:"component_auctions,omitempty" cbor:"component_auctions,omitempty"`
}

// Validate checks the config of a top-level auction (isComponent false) or a
// component auction.
func (c *AuctionConfig) Validate(isComponent bool) error {
	if c.Seller == "" {
		return fmt.Errorf("auction config has no seller")
	}
	if c.DecisionLogicURL == "" {
		return fmt.Errorf("auction config for seller %s has no decision logic URL", c.Seller)
	}
	if isComponent && len(c.ComponentAuctions) > 0 {
		return fmt.Errorf("component auction for seller %s has nested component auctions", c.Seller)
	}
	if c.SellerTimeout < 0 || c.AllBuyersTimeout < 0 {
		return fmt.Errorf("auction config for seller %s has a negative timeout", c.Seller)
	}
	for buyer, timeout := range c.PerBuyerTimeouts {
		if timeout < 0 {
			return fmt.Errorf("negative timeout %s for buyer %s", timeout, buyer)
		}
	}
	if c.AllBuyersGroupLimit < 0 {
		return fmt.Errorf("negative all-buyers group limit %d", c.AllBuyersGroupLimit)
	}
	for buyer, limit := range c.PerBuyerGroupLimits {
		if limit < 0 {
			return fmt.Errorf("negative group limit %d for buyer %s", limit, buyer)
		}
	}
	for i := range c.ComponentAuctions {
		if err := c.ComponentAuctions[i].Validate(true); err != nil {
			return fmt.Errorf("component auction %d: %w", i, err)
		}
	}
	return nil
}

// BuyerTimeout returns the per-buyer timeout for owner, zero meaning none.
func (c *AuctionConfig) BuyerTimeout(owner string) time.Duration {
	if t, ok := c.PerBuyerTimeouts[owner]; ok {
		return t
	}
	return c.AllBuyersTimeout
}

// BuyerGroupLimit returns how many interest groups of owner may bid, zero
// meaning unlimited.
func (c *AuctionConfig) BuyerGroupLimit(owner string) int {
	if l, ok := c.PerBuyerGroupLimits[owner]; ok {
		return l
	}
	return c.AllBuyersGroupLimit
}

// GenerateBidRequest is sent to a bidder connection for one interest group.
type GenerateBidRequest struct {
	Group           core.InterestGroup `json:"group" cbor:"group"`
	AuctionSignals  string             `json:"auction_signals,omitempty" cbor:"auction_signals,omitempty"`
	PerBuyerSignals string             `json:"per_buyer_signals,omitempty" cbor:"per_buyer_signals,omitempty"`
	Seller          string             `json:"seller" cbor:"seller"`
	TopLevelSeller  string             `json:"top_level_seller,omitempty" cbor:"top_level_seller,omitempty"`
	KAnonMode       core.KAnonMode     `json:"kanon_mode" cbor:"kanon_mode"`
	Timeout         time.Duration      `json:"timeout,omitempty" cbor:"timeout,omitempty"`
	AuctionStart    time.Time          `json:"auction_start" cbor:"auction_start"`
}

// BidderBid is a bid as returned by a bidding routine.
type BidderBid struct {
	Ad           string   `json:"ad,omitempty" yaml:"ad,omitempty" cbor:"ad,omitempty"`
	Bid          float64  `json:"bid" yaml:"bid" cbor:"bid"`
	RenderURL    string   `json:"render_url" yaml:"render_url" cbor:"render_url"`
	AdComponents []string `json:"ad_components,omitempty" yaml:"ad_components,omitempty" cbor:"ad_components,omitempty"`
	// DurationMS is how long the bidding routine ran.
	DurationMS int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty" cbor:"duration_ms,omitempty"`
}

// GenerateBidResponse is the result of a bidding routine. A nil Bid means
// the group chose not to bid.
type GenerateBidResponse struct {
	Bid *BidderBid `json:"bid,omitempty" cbor:"bid,omitempty"`

	// KAnonBid is the bid restricted to k-anonymous ads, when it differs.
	KAnonBid *BidderBid `json:"kanon_bid,omitempty" cbor:"kanon_bid,omitempty"`
	// KAnonSameAsBid is set when Bid only uses k-anonymous ads.
	KAnonSameAsBid bool `json:"kanon_same_as_bid,omitempty" cbor:"kanon_same_as_bid,omitempty"`

	DataVersion *uint32 `json:"data_version,omitempty" cbor:"data_version,omitempty"`

	DebugLossReportURL string `json:"debug_loss_report_url,omitempty" cbor:"debug_loss_report_url,omitempty"`
	DebugWinReportURL  string `json:"debug_win_report_url,omitempty" cbor:"debug_win_report_url,omitempty"`

	// SetPriority, if present, is stored as the group's new priority.
	SetPriority *float64 `json:"set_priority,omitempty" cbor:"set_priority,omitempty"`

	PrivateAggregationRequests []core.PrivateAggregationRequest `json:"private_aggregation_requests,omitempty" cbor:"private_aggregation_requests,omitempty"`
	Errors                     []string                         `json:"errors,omitempty" cbor:"errors,omitempty"`
}

// ScoreAdRequest asks a seller to score one bid.
type ScoreAdRequest struct {
	AdMetadata         string   `json:"ad_metadata,omitempty" cbor:"ad_metadata,omitempty"`
	Bid                float64  `json:"bid" cbor:"bid"`
	RenderURL          string   `json:"render_url" cbor:"render_url"`
	AdComponents       []string `json:"ad_components,omitempty" cbor:"ad_components,omitempty"`
	InterestGroupOwner string   `json:"interest_group_owner" cbor:"interest_group_owner"`
	BiddingURL         string   `json:"bidding_url" cbor:"bidding_url"`
	BidDurationMS      int64    `json:"bid_duration_ms,omitempty" cbor:"bid_duration_ms,omitempty"`
	AuctionSignals     string   `json:"auction_signals,omitempty" cbor:"auction_signals,omitempty"`
	SellerSignals      string   `json:"seller_signals,omitempty" cbor:"seller_signals,omitempty"`

	// Exactly one of these is set when component auctions are involved:
	// ComponentSeller when a top-level seller scores a component winner,
	// TopLevelSeller when a component seller scores one of its own bids.
	ComponentSeller string `json:"component_seller,omitempty" cbor:"component_seller,omitempty"`
	TopLevelSeller  string `json:"top_level_seller,omitempty" cbor:"top_level_seller,omitempty"`

	DataVersion *uint32 `json:"bidding_data_version,omitempty" cbor:"bidding_data_version,omitempty"`
}

// ScoreAdResponse is the result of a scoring routine.
type ScoreAdResponse struct {
	Score        float64                 `json:"score" cbor:"score"`
	RejectReason core.RejectReason       `json:"reject_reason,omitempty" cbor:"reject_reason,omitempty"`
	ModifiedBid  *core.ModifiedBidParams `json:"modified_bid,omitempty" cbor:"modified_bid,omitempty"`
	DataVersion  *uint32                 `json:"data_version,omitempty" cbor:"data_version,omitempty"`

	DebugLossReportURL string `json:"debug_loss_report_url,omitempty" cbor:"debug_loss_report_url,omitempty"`
	DebugWinReportURL  string `json:"debug_win_report_url,omitempty" cbor:"debug_win_report_url,omitempty"`

	PrivateAggregationRequests []core.PrivateAggregationRequest `json:"private_aggregation_requests,omitempty" cbor:"private_aggregation_requests,omitempty"`
	Errors                     []string                         `json:"errors,omitempty" cbor:"errors,omitempty"`
}
