package auction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

// buyerCoordinator runs the bidding routines of one owner's interest groups
// in one auction level.
type buyerCoordinator struct {
	n      *node
	owner  string
	states []*core.BidState

	ctx    context.Context
	cancel context.CancelFunc

	limit int

	// prioritization is set when any group waits for trusted bidding
	// signals before the set of bidding groups is decided.
	prioritization bool
	firstDot       map[*core.BidState]*float64

	// awaitingSignals counts started groups that have neither reached the
	// signals handshake nor failed. pending holds the handshakes waiting on
	// the decision.
	awaitingSignals int
	pending         map[*core.BidState]chan bool

	outstanding int
	onBid       func(*core.Bid)
	onDone      func()
	done        bool
}

func newBuyerCoordinator(n *node, owner string, states []*core.BidState) *buyerCoordinator {
	return &buyerCoordinator{
		n:        n,
		owner:    owner,
		states:   states,
		limit:    n.config.BuyerGroupLimit(owner),
		firstDot: make(map[*core.BidState]*float64),
		pending:  make(map[*core.BidState]chan bool),
	}
}

// start computes priorities, picks the groups allowed to bid and sends
// their bid requests. onBid is called zero or more times, then onDone once.
func (b *buyerCoordinator) start(onBid func(*core.Bid), onDone func()) {
	b.onBid = onBid
	b.onDone = onDone

	b.ctx, b.cancel = b.n.ctx, func() {}
	if timeout := b.n.config.BuyerTimeout(b.owner); timeout > 0 {
		b.ctx, b.cancel = context.WithTimeout(b.n.ctx, timeout)
	}

	for _, state := range b.states {
		group := state.Group
		if len(group.PriorityVector) == 0 {
			state.CalculatedPriority = group.Priority
			continue
		}
		signals := b.prioritySignals(group, nil)
		priority := core.MultiplyPriorityVector(group.PriorityVector, signals)
		state.CalculatedPriority = priority
		b.firstDot[state] = &priority
	}

	eligible := make([]*core.BidState, 0, len(b.states))
	for _, state := range b.states {
		if core.PriorityPasses(state.CalculatedPriority) {
			eligible = append(eligible, state)
		}
	}
	b.prioritization = slices.ContainsFunc(eligible, func(s *core.BidState) bool {
		return s.Group.EnableBiddingSignalsPrioritization
	})

	var started []*core.BidState
	if b.prioritization {
		started = core.RankBidStatesByPriority(eligible, b.n.runner.randSource)
		b.awaitingSignals = len(started)
	} else {
		started, _ = core.SelectTopPriority(eligible, b.limit, b.n.runner.randSource)
	}

	if len(started) == 0 {
		b.n.runner.reactor.post(b.finish)
		return
	}
	b.outstanding = len(started)
	for _, state := range started {
		b.n.updateOwners[b.owner] = struct{}{}
		b.connect(state)
	}
}

func (b *buyerCoordinator) prioritySignals(group *core.InterestGroup, firstDot *float64) map[string]float64 {
	config := b.n.config
	return core.PrioritySignals(group.Priority, firstDot,
		config.AllBuyersPrioritySignals,
		config.PerBuyerPrioritySignals[b.owner],
		group.PrioritySignalsOverrides,
	)
}

func (b *buyerCoordinator) connect(state *core.BidState) {
	ctx := b.ctx
	service := b.n.runner.bidding
	group := state.Group
	go func() {
		conn, err := service.ConnectBidder(ctx, group)
		if !b.n.runner.reactor.post(func() { b.onConnected(state, conn, err) }) && conn != nil {
			closeConn(conn, "bidder")
		}
	}()
}

func (b *buyerCoordinator) onConnected(state *core.BidState, conn auctionapi.BidderConnection, err error) {
	if b.n.finished() || b.n.cancelledCall(err) {
		if conn != nil {
			go closeConn(conn, "bidder")
		}
		return
	}
	if err != nil {
		b.n.addError("%s: failed to load bidder worklet %s: %v", state.Group.Key(), state.Group.BiddingURL, err)
		b.onRequestEnded(state)
		return
	}
	state.Conn = conn
	b.generateBid(state, conn)
}

func (b *buyerCoordinator) generateBid(state *core.BidState, conn auctionapi.BidderConnection) {
	n := b.n
	req := &auctionapi.GenerateBidRequest{
		Group:           *state.Group,
		AuctionSignals:  n.config.AuctionSignals,
		PerBuyerSignals: n.config.PerBuyerSignals[b.owner],
		Seller:          n.config.Seller,
		KAnonMode:       n.runner.kanonMode,
		Timeout:         n.config.BuyerTimeout(b.owner),
		AuctionStart:    n.runner.start,
	}
	if n.parent != nil {
		req.TopLevelSeller = n.parent.config.Seller
	}

	ctx := b.ctx
	parentCtx := n.ctx
	handshake := b.handshake(state)
	go func() {
		defer closeConn(conn, "bidder")
		resp, err := conn.GenerateBid(ctx, req, handshake)
		timedOut := err != nil && parentCtx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
		n.runner.reactor.post(func() { b.onGenerateBidComplete(state, resp, err, timedOut) })
	}()
}

// handshake returns the callback a bidder connection invokes once trusted
// bidding signals are in. It blocks the caller until the buyer decides.
func (b *buyerCoordinator) handshake(state *core.BidState) auctionapi.SignalsHandshake {
	return func(ctx context.Context, priorityVector map[string]float64) bool {
		decision := make(chan bool, 1)
		if !b.n.runner.reactor.post(func() { b.onSignalsReceived(state, priorityVector, decision) }) {
			return false
		}
		select {
		case ok := <-decision:
			return ok
		case <-ctx.Done():
			return false
		}
	}
}

func (b *buyerCoordinator) onSignalsReceived(state *core.BidState, priorityVector map[string]float64, decision chan bool) {
	if b.n.finished() || b.done || state.SignalsReceived {
		decision <- false
		return
	}
	state.SignalsReceived = true
	if !b.prioritization {
		decision <- true
		return
	}

	if len(priorityVector) > 0 {
		signals := b.prioritySignals(state.Group, b.firstDot[state])
		state.CalculatedPriority = core.MultiplyPriorityVector(priorityVector, signals)
	}
	b.pending[state] = decision
	b.awaitingSignals--
	b.maybeDecide()
}

// maybeDecide lets the top priority groups proceed once every started
// group has received its signals or failed.
func (b *buyerCoordinator) maybeDecide() {
	if !b.prioritization || b.awaitingSignals > 0 || len(b.pending) == 0 {
		return
	}
	waiting := make([]*core.BidState, 0, len(b.pending))
	for _, state := range b.states {
		if _, ok := b.pending[state]; ok {
			waiting = append(waiting, state)
		}
	}
	selected, dropped := core.SelectTopPriority(waiting, b.limit, b.n.runner.randSource)
	for _, state := range selected {
		b.pending[state] <- true
	}
	for _, state := range dropped {
		b.pending[state] <- false
	}
	clear(b.pending)
}

func (b *buyerCoordinator) onGenerateBidComplete(state *core.BidState, resp *auctionapi.GenerateBidResponse, err error, timedOut bool) {
	if b.n.finished() || b.n.cancelledCall(err) {
		return
	}
	state.Conn = nil
	key := state.Group.Key()

	switch {
	case timedOut:
		b.n.addError("%s: generateBid timed out", key)
	case errors.Is(err, auctionapi.ErrWorkletCrashed):
		b.n.addError("%s: bidder worklet crashed", key)
	case err != nil:
		b.n.addError("%s: generateBid failed: %v", key, err)
	default:
		b.onGenerateBidResponse(state, resp)
	}
	b.onRequestEnded(state)
}

func (b *buyerCoordinator) onGenerateBidResponse(state *core.BidState, resp *auctionapi.GenerateBidResponse) {
	n := b.n
	group := state.Group
	key := group.Key()
	for _, e := range resp.Errors {
		n.addError("%s generateBid: %s", group.BiddingURL, e)
	}
	if resp.Bid != nil && b.prioritization && !state.SignalsReceived {
		n.addError("%s: bid made before trusted bidding signals were received", key)
		return
	}
	if resp.SetPriority != nil {
		n.priorityUpdates[key] = *resp.SetPriority
	}

	for _, u := range []string{resp.DebugWinReportURL, resp.DebugLossReportURL} {
		if u != "" && !validReportURL(u) {
			n.addError("%s: invalid debug report URL %q", key, u)
		}
	}
	state.BidderDebug = core.DebugReportURLs{}
	if validReportURL(resp.DebugWinReportURL) {
		state.BidderDebug.Win = resp.DebugWinReportURL
	}
	if validReportURL(resp.DebugLossReportURL) {
		state.BidderDebug.Loss = resp.DebugLossReportURL
	}
	state.AddPrivateAggregation(b.owner, resp.PrivateAggregationRequests)

	if resp.Bid == nil {
		return
	}
	bids, err := b.makeBids(state, resp)
	if err != nil {
		n.addError("%s: %v", key, err)
		return
	}
	state.MadeBid = true
	for _, bid := range bids {
		b.onBid(bid)
	}
}

// makeBids validates a bidder response and assigns k-anonymity roles.
func (b *buyerCoordinator) makeBids(state *core.BidState, resp *auctionapi.GenerateBidResponse) ([]*core.Bid, error) {
	mode := b.n.runner.kanonMode
	switch {
	case mode == core.KAnonModeNone || resp.KAnonSameAsBid:
		bid, err := b.newBid(state, resp.Bid, resp.DataVersion, core.BidRoleBoth)
		if err != nil {
			return nil, err
		}
		return []*core.Bid{bid}, nil

	case resp.KAnonBid != nil:
		unenforced, err := b.newBid(state, resp.Bid, resp.DataVersion, core.BidRoleUnenforcedKAnon)
		if err != nil {
			return nil, err
		}
		enforced, err := b.newBid(state, resp.KAnonBid, resp.DataVersion, core.BidRoleEnforcedKAnon)
		if err != nil {
			return nil, err
		}
		return []*core.Bid{unenforced, enforced}, nil

	default:
		bid, err := b.newBid(state, resp.Bid, resp.DataVersion, core.BidRoleUnenforcedKAnon)
		if err != nil {
			return nil, err
		}
		return []*core.Bid{bid}, nil
	}
}

func (b *buyerCoordinator) newBid(state *core.BidState, raw *auctionapi.BidderBid, dataVersion *uint32, role core.BidRole) (*core.Bid, error) {
	if err := validateBidderBid(state.Group, raw); err != nil {
		return nil, err
	}
	return &core.Bid{
		Role:         role,
		AdMetadata:   raw.Ad,
		Value:        raw.Bid,
		RenderURL:    raw.RenderURL,
		AdComponents: slices.Clone(raw.AdComponents),
		Duration:     time.Duration(raw.DurationMS) * time.Millisecond,
		DataVersion:  dataVersion,
		State:        state,
		Level:        b.n,
	}, nil
}

func validateBidderBid(group *core.InterestGroup, raw *auctionapi.BidderBid) error {
	if math.IsNaN(raw.Bid) || math.IsInf(raw.Bid, 0) || raw.Bid <= 0 {
		return fmt.Errorf("bid value %v is not a positive finite number", raw.Bid)
	}
	if group.FindAd(raw.RenderURL) == nil {
		return fmt.Errorf("bid render URL %q is not one of the interest group's ads", raw.RenderURL)
	}
	for _, c := range raw.AdComponents {
		if !group.HasAdComponent(c) {
			return fmt.Errorf("bid ad component %q is not one of the interest group's ad components", c)
		}
	}
	return nil
}

// onRequestEnded is called once per started group, whether or not it bid.
func (b *buyerCoordinator) onRequestEnded(state *core.BidState) {
	if b.prioritization && !state.SignalsReceived {
		b.awaitingSignals--
		b.maybeDecide()
	}
	b.outstanding--
	if b.outstanding == 0 {
		b.finish()
	}
}

func (b *buyerCoordinator) finish() {
	if b.done {
		return
	}
	b.done = true
	b.cancel()
	b.onDone()
}
