package scenario

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

// Collaborators plays a scenario back. It implements
// auctionapi.InterestGroupStore, BiddingService and ScoringService.
type Collaborators struct {
	scenario *Scenario
}

// Collaborators returns the scripted participants of s.
func (s *Scenario) Collaborators() *Collaborators {
	return &Collaborators{scenario: s}
}

var (
	_ auctionapi.InterestGroupStore = (*Collaborators)(nil)
	_ auctionapi.BiddingService     = (*Collaborators)(nil)
	_ auctionapi.ScoringService     = (*Collaborators)(nil)
)

func (c *Collaborators) LoadGroups(_ context.Context, owner string) ([]core.InterestGroup, error) {
	var groups []core.InterestGroup
	for _, g := range c.scenario.InterestGroups {
		if g.Owner == owner {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func (c *Collaborators) ConnectBidder(_ context.Context, group *core.InterestGroup) (auctionapi.BidderConnection, error) {
	script := c.scenario.bidderScript(group.Key())
	if script != nil && script.ConnectError != "" {
		return nil, fmt.Errorf("%w: %s", auctionapi.ErrNoConnection, script.ConnectError)
	}
	return &scriptedBidder{key: group.Key(), script: script}, nil
}

func (c *Collaborators) ConnectSeller(_ context.Context, cfg *auctionapi.AuctionConfig) (auctionapi.SellerConnection, error) {
	script := c.scenario.sellerScript(cfg.Seller)
	if script != nil && script.ConnectError != "" {
		return nil, fmt.Errorf("%w: %s", auctionapi.ErrNoConnection, script.ConnectError)
	}
	return &scriptedSeller{seller: cfg.Seller, script: script}, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type scriptedBidder struct {
	key    core.InterestGroupKey
	script *BidderScript
}

func (b *scriptedBidder) GenerateBid(ctx context.Context, req *auctionapi.GenerateBidRequest, handshake auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
	start := time.Now()
	script := b.script
	if script == nil {
		handshake(ctx, nil)
		return &auctionapi.GenerateBidResponse{}, nil
	}
	if err := sleep(ctx, script.Delay); err != nil {
		return nil, err
	}
	if script.Crash {
		return nil, fmt.Errorf("%w: bidding script of %s", auctionapi.ErrWorkletCrashed, b.key)
	}
	if !handshake(ctx, script.PriorityVector) {
		return &auctionapi.GenerateBidResponse{}, nil
	}

	resp := &auctionapi.GenerateBidResponse{
		KAnonSameAsBid:             script.KAnonSameAsBid,
		DebugWinReportURL:          script.DebugWinReportURL,
		DebugLossReportURL:         script.DebugLossReportURL,
		SetPriority:                script.SetPriority,
		PrivateAggregationRequests: slices.Clone(script.PrivateAggregation),
		Errors:                     slices.Clone(script.Errors),
	}
	duration := time.Since(start).Milliseconds()
	resp.Bid = bidderBid(&req.Group, script.Bid, duration)
	resp.KAnonBid = bidderBid(&req.Group, script.KAnonBid, duration)
	return resp, nil
}

func bidderBid(group *core.InterestGroup, bid *BidScript, durationMS int64) *auctionapi.BidderBid {
	if bid == nil {
		return nil
	}
	renderURL := bid.Ad
	if renderURL == "" && len(group.Ads) > 0 {
		renderURL = group.Ads[0].RenderURL
	}
	return &auctionapi.BidderBid{
		Ad:           bid.Metadata,
		Bid:          bid.Value,
		RenderURL:    renderURL,
		AdComponents: slices.Clone(bid.AdComponents),
		DurationMS:   durationMS,
	}
}

func (b *scriptedBidder) Close() error { return nil }

type scriptedSeller struct {
	seller string
	script *SellerScript
}

func (s *scriptedSeller) ScoreAd(ctx context.Context, req *auctionapi.ScoreAdRequest) (*auctionapi.ScoreAdResponse, error) {
	script := s.script
	if script == nil {
		script = &SellerScript{Seller: s.seller}
	}
	if err := sleep(ctx, script.Delay); err != nil {
		return nil, err
	}
	if script.Crash {
		return nil, fmt.Errorf("%w: scoring script of %s", auctionapi.ErrWorkletCrashed, s.seller)
	}

	scale := script.Scale
	if scale == 0 {
		scale = 1
	}
	resp := &auctionapi.ScoreAdResponse{
		Score:                      req.Bid * scale,
		DebugWinReportURL:          script.DebugWinReportURL,
		DebugLossReportURL:         script.DebugLossReportURL,
		PrivateAggregationRequests: slices.Clone(script.PrivateAggregation),
	}
	switch reason, rejected := script.Reject[req.InterestGroupOwner]; {
	case rejected:
		resp.Score, resp.RejectReason = 0, reason
	case req.Bid < script.Floor:
		resp.Score, resp.RejectReason = 0, core.RejectReasonBidBelowAuctionFloor
	}

	if req.TopLevelSeller != "" && resp.Score > 0 {
		modified := core.ModifiedBidParams{}
		if script.ModifiedBid != nil {
			modified = *script.ModifiedBid
		}
		resp.ModifiedBid = &modified
	}
	return resp, nil
}

func (s *scriptedSeller) SendPendingSignalsRequests(context.Context) error {
	log.Printf("INFO: Seller %s flushed pending scoring signals requests", s.seller)
	return nil
}

func (s *scriptedSeller) Close() error { return nil }
