package auction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/url"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

// scoringCoordinator owns the seller connection of one auction level and
// the bids waiting for, or undergoing, scoring.
type scoringCoordinator struct {
	n *node

	requested bool
	ready     bool
	conn      auctionapi.SellerConnection

	// queued bids wait for the seller connection.
	queued   []*core.Bid
	inFlight int

	// needed is set once any bid has been handed to the coordinator.
	needed  bool
	flushed bool
}

func newScoringCoordinator(n *node) *scoringCoordinator {
	return &scoringCoordinator{n: n}
}

// requestSellerConnection starts connecting to the seller. Calling it more
// than once has no effect.
func (s *scoringCoordinator) requestSellerConnection() {
	if s.requested {
		return
	}
	s.requested = true

	n := s.n
	ctx := n.ctx
	service := n.runner.scoring
	config := n.config
	go func() {
		conn, err := service.ConnectSeller(ctx, config)
		if !n.runner.reactor.post(func() { s.onSellerConnected(conn, err) }) && conn != nil {
			closeConn(conn, "seller")
		}
	}()

	if n.onSellerRequested != nil {
		n.onSellerRequested()
	}
}

func (s *scoringCoordinator) onSellerConnected(conn auctionapi.SellerConnection, err error) {
	n := s.n
	if n.finished() || n.cancelledCall(err) {
		if conn != nil {
			go closeConn(conn, "seller")
		}
		return
	}
	if err != nil {
		n.fail(core.ResultSellerLoadFailed, "failed to load seller worklet %s: %v", n.config.DecisionLogicURL, err)
		return
	}
	s.conn = conn
	s.ready = true

	queued := s.queued
	s.queued = nil
	for _, bid := range queued {
		s.startScoring(bid)
	}
	n.maybeComplete()
}

// score scores bid as soon as the seller is ready.
func (s *scoringCoordinator) score(bid *core.Bid) {
	s.needed = true
	if !s.ready {
		s.queued = append(s.queued, bid)
		return
	}
	s.startScoring(bid)
}

func (s *scoringCoordinator) startScoring(bid *core.Bid) {
	n := s.n
	req := s.buildRequest(bid)
	conn := s.conn
	timeout := n.config.SellerTimeout
	parentCtx := n.ctx

	s.inFlight++
	go func() {
		ctx, cancel := parentCtx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
		}
		resp, err := conn.ScoreAd(ctx, req)
		timedOut := err != nil && parentCtx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		n.runner.reactor.post(func() { s.onScoreAdComplete(bid, resp, err, timedOut) })
	}()
}

func (s *scoringCoordinator) buildRequest(bid *core.Bid) *auctionapi.ScoreAdRequest {
	n := s.n
	req := &auctionapi.ScoreAdRequest{
		AdMetadata:         bid.AdMetadata,
		Bid:                bid.Value,
		RenderURL:          bid.RenderURL,
		AdComponents:       bid.AdComponents,
		InterestGroupOwner: bid.Owner(),
		BiddingURL:         bid.State.Group.BiddingURL,
		BidDurationMS:      bid.Duration.Milliseconds(),
		AuctionSignals:     n.config.AuctionSignals,
		SellerSignals:      n.config.SellerSignals,
		DataVersion:        bid.DataVersion,
	}
	if bid.ComponentWinner != nil {
		if level, ok := bid.ComponentWinner.Bid.Level.(*node); ok {
			req.ComponentSeller = level.config.Seller
		}
	}
	if n.parent != nil {
		req.TopLevelSeller = n.parent.config.Seller
	}
	return req
}

func (s *scoringCoordinator) onScoreAdComplete(bid *core.Bid, resp *auctionapi.ScoreAdResponse, err error, timedOut bool) {
	n := s.n
	if n.finished() || n.cancelledCall(err) {
		return
	}
	s.inFlight--

	switch {
	case timedOut:
		n.addError("scoreAd for %s timed out", bid.RenderURL)
		n.onScored(&core.ScoredBid{Bid: bid}, core.RejectReasonNotAvailable)
	case err != nil:
		n.fail(core.ResultSellerCrashed, "seller worklet %s crashed: %v", n.config.DecisionLogicURL, err)
		return
	default:
		s.onScoreAdResponse(bid, resp)
	}
	n.maybeComplete()
}

func (s *scoringCoordinator) onScoreAdResponse(bid *core.Bid, resp *auctionapi.ScoreAdResponse) {
	n := s.n
	for _, e := range resp.Errors {
		n.addError("%s scoreAd: %s", n.config.DecisionLogicURL, e)
	}

	if err := s.validate(resp); err != nil {
		n.addError("invalid scoreAd result for %s: %v", bid.RenderURL, err)
		n.onScored(&core.ScoredBid{Bid: bid}, core.RejectReasonNotAvailable)
		return
	}

	if n.inReportedTrack(bid.Role) {
		debug := core.DebugReportURLs{Win: resp.DebugWinReportURL, Loss: resp.DebugLossReportURL}
		if bid.ComponentWinner != nil {
			bid.State.TopLevelSellerDebug = debug
		} else {
			bid.State.SellerDebug = debug
		}
		bid.State.AddPrivateAggregation(n.config.Seller, resp.PrivateAggregationRequests)
	}

	scored := &core.ScoredBid{
		Score:       resp.Score,
		DataVersion: resp.DataVersion,
		Bid:         bid,
		ModifiedBid: resp.ModifiedBid,
	}
	n.onScored(scored, resp.RejectReason)
}

func (s *scoringCoordinator) validate(resp *auctionapi.ScoreAdResponse) error {
	n := s.n
	if math.IsNaN(resp.Score) || math.IsInf(resp.Score, 0) {
		return fmt.Errorf("score %v is not finite", resp.Score)
	}
	if !resp.RejectReason.IsValid() {
		return fmt.Errorf("unknown reject reason %q", resp.RejectReason)
	}
	if resp.Score > 0 && resp.RejectReason.Normalize() != core.RejectReasonNotAvailable {
		return fmt.Errorf("reject reason %s given for positive score", resp.RejectReason)
	}
	if mod := resp.ModifiedBid; mod != nil {
		if !n.isComponent() {
			return fmt.Errorf("modified bid returned by top-level seller")
		}
		if mod.HasBid && (math.IsNaN(mod.Bid) || math.IsInf(mod.Bid, 0) || mod.Bid <= 0) {
			return fmt.Errorf("modified bid %v is not a positive finite value", mod.Bid)
		}
	}
	if n.isComponent() && resp.Score > 0 && resp.ModifiedBid == nil {
		return fmt.Errorf("component seller did not allow the bid in the parent auction")
	}
	for _, u := range []string{resp.DebugWinReportURL, resp.DebugLossReportURL} {
		if u != "" && !validReportURL(u) {
			return fmt.Errorf("invalid debug report URL %q", u)
		}
	}
	return nil
}

// maybeFlush tells the seller no more bids are coming, once.
func (s *scoringCoordinator) maybeFlush() {
	if !s.ready || s.flushed || s.n.bidSources > 0 {
		return
	}
	s.flushed = true
	conn := s.conn
	ctx := s.n.ctx
	go func() {
		if err := conn.SendPendingSignalsRequests(ctx); err != nil && ctx.Err() == nil {
			log.Printf("WARNING: Failed to send pending scoring signals requests: %v", err)
		}
	}()
}

// idle reports whether nothing is waiting on the seller.
func (s *scoringCoordinator) idle() bool {
	if s.inFlight > 0 || len(s.queued) > 0 {
		return false
	}
	return s.flushed || !s.needed
}

func (s *scoringCoordinator) close() {
	s.queued = nil
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		go closeConn(conn, "seller")
	}
}

type closer interface {
	Close() error
}

func closeConn(c closer, kind string) {
	if err := c.Close(); err != nil {
		log.Printf("ERROR: Failed to close %s connection: %v", kind, err)
	}
}

func validReportURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}
