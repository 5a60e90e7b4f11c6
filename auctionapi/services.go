package auctionapi

import (
	"context"
	"errors"

	"github.com/cloudx-io/protectedauction/core"
)

// ErrWorkletCrashed is returned by connections whose evaluation sandbox went
// away while a request was outstanding.
var ErrWorkletCrashed = errors.New("worklet crashed")

// ErrNoConnection is returned when a bidder or seller connection could not
// be established (script failed to load, process limit, ...).
var ErrNoConnection = errors.New("worklet connection unavailable")

// InterestGroupStore loads the interest groups of one owner.
type InterestGroupStore interface {
	LoadGroups(ctx context.Context, owner string) ([]core.InterestGroup, error)
}

// SignalsHandshake is invoked by a bidder connection once trusted bidding
// signals have been fetched and before the bid is finalized. priorityVector
// is the server-supplied vector, possibly empty. Returning false means the
// interest group must not bid. It may block until the buyer decides.
type SignalsHandshake func(ctx context.Context, priorityVector map[string]float64) bool

// BiddingService hands out connections to the bidding sandbox.
type BiddingService interface {
	ConnectBidder(ctx context.Context, group *core.InterestGroup) (BidderConnection, error)
}

// BidderConnection runs the bidding routine of one interest group. At most
// one GenerateBid call is outstanding per connection.
type BidderConnection interface {
	GenerateBid(ctx context.Context, req *GenerateBidRequest, handshake SignalsHandshake) (*GenerateBidResponse, error)
	Close() error
}

// ScoringService hands out connections to the seller's scoring sandbox.
type ScoringService interface {
	ConnectSeller(ctx context.Context, cfg *AuctionConfig) (SellerConnection, error)
}

// SellerConnection scores bids for one auction level.
type SellerConnection interface {
	ScoreAd(ctx context.Context, req *ScoreAdRequest) (*ScoreAdResponse, error)
	// SendPendingSignalsRequests tells the seller no more bids are coming so
	// batched trusted scoring signals requests can go out.
	SendPendingSignalsRequests(ctx context.Context) error
	Close() error
}

// Operation names what an origin is about to do with the API.
type Operation int

const (
	OperationSell Operation = iota
	OperationBuy
)

func (o Operation) String() string {
	if o == OperationSell {
		return "sell"
	}
	return "buy"
}

// PermissionFunc reports whether origin may take part in auctions as op.
type PermissionFunc func(op Operation, origin string) bool

// AllowAll permits every origin.
func AllowAll(Operation, string) bool { return true }
