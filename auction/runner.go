package auction

import (
	"context"
	"log"
	"slices"
	"time"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

// Runner runs one auction, including its component auctions, against the
// given collaborators. Its methods may be called from any goroutine.
type Runner struct {
	reactor *reactor
	ctx     context.Context
	cancel  context.CancelFunc
	start   time.Time

	store   auctionapi.InterestGroupStore
	bidding auctionapi.BiddingService
	scoring auctionapi.ScoringService

	permissions auctionapi.PermissionFunc
	kanonMode   core.KAnonMode
	randSource  core.RandSource

	root   *node
	report *report
	taken  map[string]bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithKAnonMode sets how k-anonymity is handled. The default is
// core.KAnonModeNone.
func WithKAnonMode(mode core.KAnonMode) Option {
	return func(r *Runner) { r.kanonMode = mode }
}

// WithPermissions sets the hook deciding which origins may sell and buy.
func WithPermissions(fn auctionapi.PermissionFunc) Option {
	return func(r *Runner) { r.permissions = fn }
}

// WithRandSource replaces the random source used for tie-breaking.
func WithRandSource(rnd core.RandSource) Option {
	return func(r *Runner) { r.randSource = rnd }
}

// NewRunner creates a runner for config. config must not be modified
// afterwards.
func NewRunner(config *auctionapi.AuctionConfig, store auctionapi.InterestGroupStore, bidding auctionapi.BiddingService, scoring auctionapi.ScoringService, opts ...Option) *Runner {
	r := &Runner{
		start:       time.Now(),
		store:       store,
		bidding:     bidding,
		scoring:     scoring,
		permissions: auctionapi.AllowAll,
		kanonMode:   core.KAnonModeNone,
		randSource:  core.DefaultRandSource(),
		taken:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.root = newNode(r, config, nil)
	r.reactor = newReactor()
	log.Printf("INFO: Created auction %s for seller %s with %d component auctions",
		r.root.id, config.Seller, len(config.ComponentAuctions))
	return r
}

// StartLoad loads the interest groups of every buyer. It returns
// ResultSuccess once loading is done, or the result the auction ended with.
// Cancelling ctx aborts the auction.
func (r *Runner) StartLoad(ctx context.Context) core.AuctionResult {
	done := make(chan core.AuctionResult, 1)
	if !r.reactor.post(func() {
		r.root.startLoad(func(ok bool) {
			if ok {
				done <- core.ResultSuccess
				return
			}
			done <- r.root.result
		})
	}) {
		result, _ := r.Result()
		return result
	}
	return r.wait(ctx, done)
}

// StartBiddingAndScoring runs the rest of the auction and returns its
// result. It must follow a successful StartLoad. Cancelling ctx aborts the
// auction.
func (r *Runner) StartBiddingAndScoring(ctx context.Context) core.AuctionResult {
	done := make(chan core.AuctionResult, 1)
	if !r.reactor.post(func() {
		r.root.startBidding(func() { done <- r.root.result })
	}) {
		result, _ := r.Result()
		return result
	}
	return r.wait(ctx, done)
}

func (r *Runner) wait(ctx context.Context, done <-chan core.AuctionResult) core.AuctionResult {
	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		log.Printf("INFO: Auction %s cancelled by caller: %v", r.root.id, ctx.Err())
		r.Abort()
		return <-done
	}
}

// Abort cancels every outstanding call and ends every unfinished auction
// level with ResultAborted. Partial results are discarded. Aborting a
// finished auction does nothing.
func (r *Runner) Abort() {
	r.reactor.exec(func() {
		r.cancel()
		r.root.abort()
	})
}

func (r *Runner) onRootFinished() {
	root := r.root
	if root.result != core.ResultAborted {
		root.markLostComponents()
	}
	if root.result == core.ResultSuccess {
		r.report = buildReport(root)
	}
	r.reactor.stop()
}

// Result returns the auction result; ok is false until the auction ended.
func (r *Runner) Result() (result core.AuctionResult, ok bool) {
	r.reactor.exec(func() {
		result, ok = r.root.result, r.root.finished()
	})
	return result, ok
}

// ComponentResults returns the result of every component auction that
// loaded, in config order.
func (r *Runner) ComponentResults() []core.AuctionResult {
	var results []core.AuctionResult
	r.reactor.exec(func() {
		for _, c := range r.root.liveChildren() {
			results = append(results, c.result)
		}
	})
	return results
}

// TopBid returns the winning bid, or nil unless the auction succeeded. A
// bid lifted from a component auction has ComponentWinner set.
func (r *Runner) TopBid() *core.ScoredBid {
	var top *core.ScoredBid
	r.reactor.exec(func() {
		if r.root.finished() && r.root.result == core.ResultSuccess {
			top = r.root.leader().TopBid
		}
	})
	return top
}

// takeOnce reports whether name has not been taken yet and marks it taken.
// It must run on the reactor.
func (r *Runner) takeOnce(name string) bool {
	if r.taken[name] {
		return false
	}
	r.taken[name] = true
	return true
}

// TakeDebugReportURLs returns the filled forDebuggingOnly win and loss
// URLs. Only a successful auction has any. Later calls return nothing.
func (r *Runner) TakeDebugReportURLs() (win, loss []string) {
	r.reactor.exec(func() {
		if r.report == nil || !r.takeOnce("debug") {
			return
		}
		win, loss = r.report.winURLs, r.report.lossURLs
	})
	return win, loss
}

// TakePrivateAggregationRequests returns the filled private aggregation
// requests keyed by reporting origin. Later calls return nothing.
func (r *Runner) TakePrivateAggregationRequests() map[string][]core.PrivateAggregationRequest {
	var reqs map[string][]core.PrivateAggregationRequest
	r.reactor.exec(func() {
		if r.report == nil || !r.takeOnce("private-aggregation") {
			return
		}
		reqs = r.report.privateAggregation
	})
	return reqs
}

// TakeErrors returns the errors of every auction level, top level first.
// Later calls return nothing.
func (r *Runner) TakeErrors() []string {
	var errs []string
	r.reactor.exec(func() {
		if r.discarded() || !r.takeOnce("errors") {
			return
		}
		r.root.walk(func(n *node) {
			errs = append(errs, n.errors...)
		})
	})
	return errs
}

// TakePostAuctionUpdateOwners returns the sorted owners whose interest
// groups were asked to bid. Later calls return nothing.
func (r *Runner) TakePostAuctionUpdateOwners() []string {
	var owners []string
	r.reactor.exec(func() {
		if r.discarded() || !r.takeOnce("update-owners") {
			return
		}
		seen := make(map[string]struct{})
		r.root.walk(func(n *node) {
			for owner := range n.updateOwners {
				seen[owner] = struct{}{}
			}
		})
		for owner := range seen {
			owners = append(owners, owner)
		}
		slices.Sort(owners)
	})
	return owners
}

// TakePriorityUpdates returns the priorities bidders asked to store for
// their interest groups. Later calls return nothing.
func (r *Runner) TakePriorityUpdates() map[core.InterestGroupKey]float64 {
	var updates map[core.InterestGroupKey]float64
	r.reactor.exec(func() {
		if r.discarded() || !r.takeOnce("priority-updates") {
			return
		}
		updates = make(map[core.InterestGroupKey]float64)
		r.root.walk(func(n *node) {
			for k, v := range n.priorityUpdates {
				updates[k] = v
			}
		})
	})
	return updates
}

// InterestGroupsThatBid returns the interest groups that made a valid bid.
func (r *Runner) InterestGroupsThatBid() []core.InterestGroupKey {
	var keys []core.InterestGroupKey
	r.reactor.exec(func() {
		if r.discarded() {
			return
		}
		r.root.walk(func(n *node) {
			for _, owner := range n.buyerOwners {
				for _, state := range n.groups[owner] {
					if state.MadeBid {
						keys = append(keys, state.Group.Key())
					}
				}
			}
		})
	})
	return keys
}

// KAnonKeysToJoin returns the k-anonymity keys of the winning ad.
func (r *Runner) KAnonKeysToJoin() []string {
	var keys []string
	r.reactor.exec(func() {
		if r.report != nil {
			keys = slices.Clone(r.report.kanonKeys)
		}
	})
	return keys
}

// NumPotentialBidders returns how many interest groups were loaded.
func (r *Runner) NumPotentialBidders() int {
	var total int
	r.reactor.exec(func() {
		total = r.root.numPotentialBidders()
	})
	return total
}

func (r *Runner) discarded() bool {
	return r.root.finished() && r.root.result == core.ResultAborted
}
