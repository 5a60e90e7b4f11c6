package core

import (
	"time"
)

// BidRole selects which k-anonymity track(s) a bid participates in.
type BidRole int

const (
	// BidRoleUnenforcedKAnon bids only count in the track that ignores k-anonymity.
	BidRoleUnenforcedKAnon BidRole = iota
	// BidRoleEnforcedKAnon bids only count in the k-anonymity enforced track.
	BidRoleEnforcedKAnon
	// BidRoleBoth bids are valid in both tracks.
	BidRoleBoth
)

func (r BidRole) String() string {
	switch r {
	case BidRoleUnenforcedKAnon:
		return "unenforced"
	case BidRoleEnforcedKAnon:
		return "enforced"
	case BidRoleBoth:
		return "both"
	default:
		return "unknown"
	}
}

// InUnenforcedTrack reports whether the bid counts when k-anonymity is not enforced.
func (r BidRole) InUnenforcedTrack() bool {
	return r == BidRoleUnenforcedKAnon || r == BidRoleBoth
}

// InEnforcedTrack reports whether the bid counts when k-anonymity is enforced.
func (r BidRole) InEnforcedTrack() bool {
	return r == BidRoleEnforcedKAnon || r == BidRoleBoth
}

// KAnonMode controls how k-anonymity is handled by an auction.
type KAnonMode int

const (
	// KAnonModeNone runs a single track; every bid is BidRoleBoth.
	KAnonModeNone KAnonMode = iota
	// KAnonModeSimulate runs both tracks but reports the unenforced winner.
	KAnonModeSimulate
	// KAnonModeEnforce runs both tracks and reports the enforced winner.
	KAnonModeEnforce
)

// AuctionResult is the final outcome of an auction or component auction.
type AuctionResult int

const (
	ResultSuccess AuctionResult = iota
	ResultAborted
	ResultBadInput
	ResultNoEligibleBidders
	ResultSellerLoadFailed
	ResultSellerCrashed
	ResultNoBids
	ResultAllBidsRejected
	ResultSellerRejected
	ResultComponentLostParentAuction
)

func (r AuctionResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultAborted:
		return "aborted"
	case ResultBadInput:
		return "bad-input"
	case ResultNoEligibleBidders:
		return "no-eligible-bidders"
	case ResultSellerLoadFailed:
		return "seller-load-failed"
	case ResultSellerCrashed:
		return "seller-crashed"
	case ResultNoBids:
		return "no-bids"
	case ResultAllBidsRejected:
		return "all-bids-rejected"
	case ResultSellerRejected:
		return "seller-rejected"
	case ResultComponentLostParentAuction:
		return "component-lost-parent-auction"
	default:
		return "unknown"
	}
}

// RejectReason explains why a seller gave a bid a non-positive score.
type RejectReason string

const (
	RejectReasonNotAvailable              RejectReason = "not-available"
	RejectReasonInvalidBid                RejectReason = "invalid-bid"
	RejectReasonBidBelowAuctionFloor      RejectReason = "bid-below-auction-floor"
	RejectReasonPendingApprovalByExchange RejectReason = "pending-approval-by-exchange"
	RejectReasonDisapprovedByExchange     RejectReason = "disapproved-by-exchange"
	RejectReasonBlockedByPublisher        RejectReason = "blocked-by-publisher"
	RejectReasonLanguageExclusions        RejectReason = "language-exclusions"
	RejectReasonCategoryExclusions        RejectReason = "category-exclusions"
)

// IsValid reports whether r is one of the known reject reasons. The
// empty string is treated as not-available.
func (r RejectReason) IsValid() bool {
	switch r {
	case "", RejectReasonNotAvailable, RejectReasonInvalidBid, RejectReasonBidBelowAuctionFloor,
		RejectReasonPendingApprovalByExchange, RejectReasonDisapprovedByExchange,
		RejectReasonBlockedByPublisher, RejectReasonLanguageExclusions, RejectReasonCategoryExclusions:
		return true
	}
	return false
}

// Normalize maps the empty reason to not-available.
func (r RejectReason) Normalize() RejectReason {
	if r == "" {
		return RejectReasonNotAvailable
	}
	return r
}

// InterestGroupKey identifies an interest group.
type InterestGroupKey struct {
	Owner string `json:"owner" yaml:"owner" cbor:"owner"`
	Name  string `json:"name" yaml:"name" cbor:"name"`
}

func (k InterestGroupKey) String() string {
	return k.Owner + "/" + k.Name
}

// Ad is a renderable creative owned by an interest group.
type Ad struct {
	RenderURL string `json:"render_url" yaml:"render_url" cbor:"render_url"`
	Metadata  string `json:"metadata,omitempty" yaml:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// InterestGroup is the stored record of one interest group.
type InterestGroup struct {
	Owner      string `json:"owner" yaml:"owner" cbor:"owner"`
	Name       string `json:"name" yaml:"name" cbor:"name"`
	BiddingURL string `json:"bidding_url" yaml:"bidding_url" cbor:"bidding_url"`

	Priority                           float64            `json:"priority" yaml:"priority" cbor:"priority"`
	PriorityVector                     map[string]float64 `json:"priority_vector,omitempty" yaml:"priority_vector,omitempty" cbor:"priority_vector,omitempty"`
	PrioritySignalsOverrides           map[string]float64 `json:"priority_signals_overrides,omitempty" yaml:"priority_signals_overrides,omitempty" cbor:"priority_signals_overrides,omitempty"`
	EnableBiddingSignalsPrioritization bool               `json:"enable_bidding_signals_prioritization,omitempty" yaml:"enable_bidding_signals_prioritization,omitempty" cbor:"enable_bidding_signals_prioritization,omitempty"`

	Ads          []Ad `json:"ads" yaml:"ads" cbor:"ads"`
	AdComponents []Ad `json:"ad_components,omitempty" yaml:"ad_components,omitempty" cbor:"ad_components,omitempty"`
}

// Key returns the identity of the group.
func (g *InterestGroup) Key() InterestGroupKey {
	return InterestGroupKey{Owner: g.Owner, Name: g.Name}
}

// FindAd returns the ad with the given render URL, or nil.
func (g *InterestGroup) FindAd(renderURL string) *Ad {
	for i := range g.Ads {
		if g.Ads[i].RenderURL == renderURL {
			return &g.Ads[i]
		}
	}
	return nil
}

// HasAdComponent reports whether renderURL is one of the group's ad components.
func (g *InterestGroup) HasAdComponent(renderURL string) bool {
	for _, c := range g.AdComponents {
		if c.RenderURL == renderURL {
			return true
		}
	}
	return false
}

// PrivateAggregationRequest is a telemetry contribution produced by a
// bidding or scoring call. Value is used as-is unless BaseValue names a
// post-auction signal, in which case Value = signal*Scale + Offset once the
// auction completes.
type PrivateAggregationRequest struct {
	Bucket    string  `json:"bucket" yaml:"bucket" cbor:"bucket"`
	Value     int64   `json:"value" yaml:"value" cbor:"value"`
	BaseValue string  `json:"base_value,omitempty" yaml:"base_value,omitempty" cbor:"base_value,omitempty"`
	Scale     float64 `json:"scale,omitempty" yaml:"scale,omitempty" cbor:"scale,omitempty"`
	Offset    float64 `json:"offset,omitempty" yaml:"offset,omitempty" cbor:"offset,omitempty"`
	// Event is "reserved.always" (default), "reserved.win" or "reserved.loss".
	Event string `json:"event,omitempty" yaml:"event,omitempty" cbor:"event,omitempty"`
}

const (
	EventAlways = "reserved.always"
	EventWin    = "reserved.win"
	EventLoss   = "reserved.loss"
)

// ModifiedBidParams are returned by a component seller to re-express the
// winning bid for the parent auction.
type ModifiedBidParams struct {
	Ad     string  `json:"ad,omitempty" yaml:"ad,omitempty" cbor:"ad,omitempty"`
	Bid    float64 `json:"bid,omitempty" yaml:"bid,omitempty" cbor:"bid,omitempty"`
	HasBid bool    `json:"has_bid,omitempty" yaml:"has_bid,omitempty" cbor:"has_bid,omitempty"`
}

// DebugReportURLs are the forDebuggingOnly URLs a single call registered.
type DebugReportURLs struct {
	Win  string `json:"win,omitempty" yaml:"win,omitempty" cbor:"win,omitempty"`
	Loss string `json:"loss,omitempty" yaml:"loss,omitempty" cbor:"loss,omitempty"`
}

// BidState tracks one eligible interest group for the lifetime of an auction.
// It is mutated only on the auction's event loop.
type BidState struct {
	Group   *InterestGroup
	TraceID string

	// CalculatedPriority starts as the base priority and is revised by
	// priority vector multiplication.
	CalculatedPriority float64

	// Conn is the bidder connection handle while a request is outstanding.
	Conn any

	SignalsReceived bool
	MadeBid         bool
	RejectReason    RejectReason

	BidderDebug         DebugReportURLs
	SellerDebug         DebugReportURLs
	TopLevelSellerDebug DebugReportURLs

	// PrivateAggregation is keyed by reporting origin.
	PrivateAggregation map[string][]PrivateAggregationRequest
}

// NewBidState creates the state for a loaded interest group.
func NewBidState(group *InterestGroup, traceID string) *BidState {
	return &BidState{
		Group:              group,
		TraceID:            traceID,
		CalculatedPriority: group.Priority,
		RejectReason:       RejectReasonNotAvailable,
		PrivateAggregation: make(map[string][]PrivateAggregationRequest),
	}
}

// Owner returns the owner of the interest group.
func (s *BidState) Owner() string {
	return s.Group.Owner
}

// AddPrivateAggregation appends requests under origin. Requests are merged,
// never deduplicated.
func (s *BidState) AddPrivateAggregation(origin string, reqs []PrivateAggregationRequest) {
	if len(reqs) == 0 {
		return
	}
	s.PrivateAggregation[origin] = append(s.PrivateAggregation[origin], reqs...)
}

// Bid is a candidate advertisement produced by a bidder or lifted from a
// component auction. Fields are not modified after creation.
type Bid struct {
	Role         BidRole
	AdMetadata   string
	Value        float64
	RenderURL    string
	AdComponents []string
	Duration     time.Duration
	DataVersion  *uint32

	// State is the BidState of the interest group that made the bid. Only its
	// debug reporting fields may be written through this reference.
	State *BidState

	// Level identifies the auction node the bid was created in (opaque to core).
	Level any

	// ComponentWinner is set when the bid is a component auction winner being
	// scored by the parent auction.
	ComponentWinner *ScoredBid
}

// Owner returns the interest group owner behind the bid.
func (b *Bid) Owner() string {
	return b.State.Owner()
}

// ScoredBid is a Bid with the seller's desirability score.
type ScoredBid struct {
	Score       float64
	DataVersion *uint32
	Bid         *Bid
	// ModifiedBid is only set for bids scored in component auctions.
	ModifiedBid *ModifiedBidParams
}
