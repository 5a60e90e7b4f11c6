package auction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/google/uuid"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

type phase int

const (
	phaseCreated phase = iota
	phaseLoadingGroups
	phaseLoaded
	phaseBiddingAndScoring
	phaseCompleted
)

func (p phase) String() string {
	switch p {
	case phaseCreated:
		return "created"
	case phaseLoadingGroups:
		return "loading-groups"
	case phaseLoaded:
		return "loaded"
	case phaseBiddingAndScoring:
		return "bidding-and-scoring"
	case phaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// node is one level of an auction tree: the top-level auction or one of its
// component auctions. All methods run on the runner's reactor.
type node struct {
	id     string
	runner *Runner
	config *auctionapi.AuctionConfig
	parent *node

	// children holds component auctions by config position; a child that
	// failed to load is set to nil.
	children []*node

	ctx    context.Context
	cancel context.CancelFunc

	phase  phase
	result core.AuctionResult
	errors []string

	// buyerOwners preserves config order; groups holds the loaded bid states.
	buyerOwners []string
	groups      map[string][]*core.BidState

	pendingLoads int
	onLoaded     func(ok bool)

	// Bidding and scoring.
	buyers                     []*buyerCoordinator
	scoring                    *scoringCoordinator
	bidSources                 int
	pendingChildSellerRequests int
	sellerRequestCounted       bool
	anyBidMade                 bool
	onSellerRequested          func()
	onCompleted                func()

	unenforced *core.LeaderInfo
	enforced   *core.LeaderInfo

	// Post-auction bookkeeping, kept across failures but not aborts.
	updateOwners    map[string]struct{}
	priorityUpdates map[core.InterestGroupKey]float64
}

func newNode(r *Runner, config *auctionapi.AuctionConfig, parent *node) *node {
	n := &node{
		id:              uuid.New().String(),
		runner:          r,
		config:          config,
		parent:          parent,
		groups:          make(map[string][]*core.BidState),
		unenforced:      core.NewLeaderInfo(),
		enforced:        core.NewLeaderInfo(),
		updateOwners:    make(map[string]struct{}),
		priorityUpdates: make(map[core.InterestGroupKey]float64),
	}
	parentCtx := r.ctx
	if parent != nil {
		parentCtx = parent.ctx
	}
	n.ctx, n.cancel = context.WithCancel(parentCtx)
	return n
}

func (n *node) isComponent() bool {
	return n.parent != nil
}

func (n *node) finished() bool {
	return n.phase == phaseCompleted
}

func (n *node) addError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	n.errors = append(n.errors, msg)
	log.Printf("INFO: auction %s (%s): %s", n.id, n.config.Seller, msg)
}

// leader returns the leader info of the track whose winner is reported.
func (n *node) leader() *core.LeaderInfo {
	if n.runner.kanonMode == core.KAnonModeEnforce {
		return n.enforced
	}
	return n.unenforced
}

// inReportedTrack reports whether a bid with role counts toward the winner
// this auction reports.
func (n *node) inReportedTrack(role core.BidRole) bool {
	if n.runner.kanonMode == core.KAnonModeEnforce {
		return role.InEnforcedTrack()
	}
	return role.InUnenforcedTrack()
}

func (n *node) liveChildren() []*node {
	live := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		if c != nil {
			live = append(live, c)
		}
	}
	return live
}

// walk visits n and then every live descendant, in config order.
func (n *node) walk(fn func(*node)) {
	fn(n)
	for _, c := range n.liveChildren() {
		c.walk(fn)
	}
}

// startLoad loads the interest groups of every buyer of n and its
// component auctions. done is called once, with false if n ended.
func (n *node) startLoad(done func(ok bool)) {
	if n.phase != phaseCreated {
		done(false)
		return
	}
	n.phase = phaseLoadingGroups
	n.onLoaded = done

	if n.parent == nil {
		if err := n.config.Validate(false); err != nil {
			n.addError("invalid auction config: %v", err)
			n.finish(core.ResultBadInput)
			return
		}
	}
	if !n.runner.permissions(auctionapi.OperationSell, n.config.Seller) {
		n.addError("seller %s is not allowed to run auctions", n.config.Seller)
		n.finish(core.ResultSellerRejected)
		return
	}

	for i := range n.config.ComponentAuctions {
		n.children = append(n.children, newNode(n.runner, &n.config.ComponentAuctions[i], n))
	}

	seen := make(map[string]struct{})
	for _, owner := range n.config.Buyers {
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		if !n.runner.permissions(auctionapi.OperationBuy, owner) {
			log.Printf("INFO: auction %s: buyer %s is not allowed to bid, skipping", n.id, owner)
			continue
		}
		n.buyerOwners = append(n.buyerOwners, owner)
	}

	n.pendingLoads = len(n.buyerOwners) + len(n.children)
	if n.pendingLoads == 0 {
		n.runner.reactor.post(n.finishLoad)
		return
	}

	for i, child := range n.children {
		index := i
		child.startLoad(func(ok bool) { n.onChildLoaded(index, ok) })
	}
	for _, owner := range n.buyerOwners {
		n.loadOwner(owner)
	}
}

func (n *node) loadOwner(owner string) {
	ctx := n.ctx
	store := n.runner.store
	go func() {
		groups, err := store.LoadGroups(ctx, owner)
		n.runner.reactor.post(func() { n.onGroupsLoaded(owner, groups, err) })
	}()
}

func (n *node) onGroupsLoaded(owner string, groups []core.InterestGroup, err error) {
	if n.phase != phaseLoadingGroups || n.cancelledCall(err) {
		return
	}
	if err != nil {
		n.addError("failed to load interest groups of %s: %v", owner, err)
	}
	for i := range groups {
		group := groups[i]
		if group.Owner != owner {
			n.addError("interest group %s returned for owner %s", group.Key(), owner)
			continue
		}
		if group.BiddingURL == "" || len(group.Ads) == 0 {
			continue
		}
		n.groups[owner] = append(n.groups[owner], core.NewBidState(&group, uuid.New().String()))
	}
	n.pendingLoads--
	if n.pendingLoads == 0 {
		n.finishLoad()
	}
}

func (n *node) onChildLoaded(index int, ok bool) {
	if n.phase != phaseLoadingGroups {
		return
	}
	if !ok {
		child := n.children[index]
		n.errors = append(n.errors, child.errors...)
		n.children[index] = nil
	}
	n.pendingLoads--
	if n.pendingLoads == 0 {
		n.finishLoad()
	}
}

func (n *node) finishLoad() {
	if n.phase != phaseLoadingGroups {
		return
	}
	if n.numPotentialBidders() == 0 && len(n.liveChildren()) == 0 {
		n.finish(core.ResultNoEligibleBidders)
		return
	}
	n.phase = phaseLoaded
	log.Printf("INFO: auction %s (%s) loaded %d interest groups and %d component auctions",
		n.id, n.config.Seller, n.numPotentialBidders(), len(n.liveChildren()))
	done := n.onLoaded
	n.onLoaded = nil
	done(true)
}

// numPotentialBidders counts the interest groups loaded by n and its
// component auctions.
func (n *node) numPotentialBidders() int {
	total := 0
	n.walk(func(m *node) {
		for _, states := range m.groups {
			total += len(states)
		}
	})
	return total
}

// startBidding runs bidding and scoring; done is called when n completes.
func (n *node) startBidding(done func()) {
	if n.phase != phaseLoaded {
		if !n.finished() {
			n.addError("bidding started in phase %s", n.phase)
			n.finish(core.ResultBadInput)
		}
		done()
		return
	}
	n.phase = phaseBiddingAndScoring
	n.onCompleted = done
	n.scoring = newScoringCoordinator(n)

	children := n.liveChildren()
	n.pendingChildSellerRequests = len(children)
	for _, owner := range n.buyerOwners {
		if len(n.groups[owner]) > 0 {
			n.buyers = append(n.buyers, newBuyerCoordinator(n, owner, n.groups[owner]))
		}
	}
	n.bidSources = len(children) + len(n.buyers)

	for _, child := range children {
		c := child
		c.onSellerRequested = func() { n.onChildSellerRequested(c) }
		c.startBidding(func() { n.onChildCompleted(c) })
		if n.finished() {
			return
		}
	}
	if n.pendingChildSellerRequests == 0 {
		n.scoring.requestSellerConnection()
	}
	for _, b := range n.buyers {
		b.start(n.onBid, n.onBuyerDone)
	}
	if n.bidSources == 0 {
		n.runner.reactor.post(n.maybeComplete)
	}
}

func (n *node) onChildSellerRequested(child *node) {
	if child.sellerRequestCounted || n.phase != phaseBiddingAndScoring {
		return
	}
	child.sellerRequestCounted = true
	n.pendingChildSellerRequests--
	if n.pendingChildSellerRequests == 0 {
		n.scoring.requestSellerConnection()
	}
}

func (n *node) onBid(bid *core.Bid) {
	if n.phase != phaseBiddingAndScoring {
		return
	}
	n.anyBidMade = true
	n.scoring.score(bid)
}

func (n *node) onBuyerDone() {
	if n.phase != phaseBiddingAndScoring {
		return
	}
	n.bidSources--
	n.maybeComplete()
}

func (n *node) onChildCompleted(child *node) {
	if n.phase != phaseBiddingAndScoring {
		return
	}
	n.onChildSellerRequested(child)
	n.bidSources--

	if child.result == core.ResultSuccess {
		n.liftComponentWinners(child)
	}
	if !n.finished() {
		n.maybeComplete()
	}
}

// liftComponentWinners turns the winners of a finished component auction
// into bids of n. A single Both bid is used when both tracks share the
// winner.
func (n *node) liftComponentWinners(child *node) {
	u := child.unenforced.TopBid
	e := child.enforced.TopBid
	if u != nil && u == e {
		n.onBid(liftBid(u, core.BidRoleBoth, n))
		return
	}
	if u != nil {
		n.onBid(liftBid(u, core.BidRoleUnenforcedKAnon, n))
	}
	if e != nil {
		n.onBid(liftBid(e, core.BidRoleEnforcedKAnon, n))
	}
}

func liftBid(winner *core.ScoredBid, role core.BidRole, level *node) *core.Bid {
	orig := winner.Bid
	value, metadata := orig.Value, orig.AdMetadata
	if winner.ModifiedBid != nil {
		if winner.ModifiedBid.HasBid {
			value = winner.ModifiedBid.Bid
		}
		if winner.ModifiedBid.Ad != "" {
			metadata = winner.ModifiedBid.Ad
		}
	}
	return &core.Bid{
		Role:            role,
		AdMetadata:      metadata,
		Value:           value,
		RenderURL:       orig.RenderURL,
		AdComponents:    slices.Clone(orig.AdComponents),
		Duration:        orig.Duration,
		DataVersion:     orig.DataVersion,
		State:           orig.State,
		Level:           level,
		ComponentWinner: winner,
	}
}

// onScored records a bid the seller has scored. Rejected bids only update
// the reject reason of their interest group.
func (n *node) onScored(scored *core.ScoredBid, rejectReason core.RejectReason) {
	bid := scored.Bid
	if scored.Score <= 0 {
		if n.inReportedTrack(bid.Role) && bid.ComponentWinner == nil {
			bid.State.RejectReason = rejectReason.Normalize()
		}
		return
	}
	owner := bid.Owner()
	if bid.Role.InUnenforcedTrack() {
		core.UpdateLeaders(n.unenforced, scored, owner, n.runner.randSource)
	}
	if bid.Role.InEnforcedTrack() {
		core.UpdateLeaders(n.enforced, scored, owner, n.runner.randSource)
	}
}

// maybeComplete finishes n once no bid sources remain, no score is
// outstanding and pending trusted scoring signals were flushed.
func (n *node) maybeComplete() {
	if n.phase != phaseBiddingAndScoring {
		return
	}
	n.scoring.maybeFlush()
	if n.bidSources > 0 || !n.scoring.idle() {
		return
	}

	switch {
	case !n.anyBidMade:
		n.finish(core.ResultNoBids)
	case n.leader().TopBid == nil:
		n.finish(core.ResultAllBidsRejected)
	default:
		n.finish(core.ResultSuccess)
	}
}

// cancelledCall reports whether err only reflects the cancellation of n's
// context. The abort or failure that cancelled it settles n, so such
// completions are dropped.
func (n *node) cancelledCall(err error) bool {
	return errors.Is(err, context.Canceled) && n.ctx.Err() != nil
}

// fail ends n with a level-fatal result.
func (n *node) fail(result core.AuctionResult, format string, args ...any) {
	if n.finished() {
		return
	}
	n.addError(format, args...)
	log.Printf("ERROR: auction %s (%s) failed: %s", n.id, n.config.Seller, result)
	n.finish(result)
}

// finish moves n to its terminal phase, cancels everything it still has
// outstanding and notifies whoever started the current phase.
func (n *node) finish(result core.AuctionResult) {
	if n.finished() {
		return
	}
	prev := n.phase
	n.phase = phaseCompleted
	n.result = result
	n.cancel()
	if n.scoring != nil {
		n.scoring.close()
	}
	for _, c := range n.liveChildren() {
		c.endWithoutNotify(core.ResultComponentLostParentAuction)
	}
	log.Printf("INFO: auction %s (%s) completed: %s", n.id, n.config.Seller, result)

	if n.parent == nil {
		n.runner.onRootFinished()
	}

	switch prev {
	case phaseLoadingGroups:
		if done := n.onLoaded; done != nil {
			n.onLoaded = nil
			done(false)
		}
	case phaseBiddingAndScoring:
		if done := n.onCompleted; done != nil {
			n.onCompleted = nil
			done()
		}
	}
}

// endWithoutNotify ends n and its descendants without calling the phase
// callbacks; used when the parent is already gone.
func (n *node) endWithoutNotify(result core.AuctionResult) {
	n.onLoaded = nil
	n.onCompleted = nil
	n.finish(result)
}

// abort ends every unfinished node of the tree and discards partial
// results.
func (n *node) abort() {
	for _, c := range n.liveChildren() {
		c.abort()
	}
	if n.finished() {
		return
	}
	n.unenforced = core.NewLeaderInfo()
	n.enforced = core.NewLeaderInfo()
	n.updateOwners = make(map[string]struct{})
	n.priorityUpdates = make(map[core.InterestGroupKey]float64)
	if n.parent != nil {
		n.endWithoutNotify(core.ResultAborted)
		return
	}
	n.finish(core.ResultAborted)
}

// markLostComponents is run once the top-level auction is done. Every
// component whose winner did not win it lost the parent auction.
func (n *node) markLostComponents() {
	var winningLevel *node
	if n.result == core.ResultSuccess {
		if top := n.leader().TopBid; top != nil && top.Bid.ComponentWinner != nil {
			winningLevel, _ = top.Bid.ComponentWinner.Bid.Level.(*node)
		}
	}
	for _, c := range n.liveChildren() {
		if c.result == core.ResultSuccess && c != winningLevel {
			c.result = core.ResultComponentLostParentAuction
		}
	}
}
