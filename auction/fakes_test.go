package auction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

type fakeStore struct {
	groups map[string][]core.InterestGroup
	errs   map[string]error
}

func (s *fakeStore) LoadGroups(_ context.Context, owner string) ([]core.InterestGroup, error) {
	return s.groups[owner], s.errs[owner]
}

func newStore(groups ...core.InterestGroup) *fakeStore {
	s := &fakeStore{groups: make(map[string][]core.InterestGroup), errs: make(map[string]error)}
	for _, g := range groups {
		s.groups[g.Owner] = append(s.groups[g.Owner], g)
	}
	return s
}

func testGroup(owner, name string, ads ...string) core.InterestGroup {
	g := core.InterestGroup{Owner: owner, Name: name, BiddingURL: owner + "/bid.js"}
	for _, ad := range ads {
		g.Ads = append(g.Ads, core.Ad{RenderURL: ad})
	}
	return g
}

type bidFunc func(ctx context.Context, req *auctionapi.GenerateBidRequest, handshake auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error)

// bidWith bids value on the group's first ad after passing the handshake.
func bidWith(value float64, mutate ...func(*auctionapi.GenerateBidResponse)) bidFunc {
	return func(ctx context.Context, req *auctionapi.GenerateBidRequest, handshake auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
		if !handshake(ctx, nil) {
			return &auctionapi.GenerateBidResponse{}, nil
		}
		resp := &auctionapi.GenerateBidResponse{
			Bid: &auctionapi.BidderBid{Bid: value, RenderURL: req.Group.Ads[0].RenderURL},
		}
		for _, m := range mutate {
			m(resp)
		}
		return resp, nil
	}
}

func noBid() bidFunc {
	return func(ctx context.Context, _ *auctionapi.GenerateBidRequest, handshake auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
		handshake(ctx, nil)
		return &auctionapi.GenerateBidResponse{}, nil
	}
}

func crashingBidder() bidFunc {
	return func(context.Context, *auctionapi.GenerateBidRequest, auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
		return nil, auctionapi.ErrWorkletCrashed
	}
}

// blockingBidder signals started and waits for its context to end.
func blockingBidder(started chan<- struct{}) bidFunc {
	return func(ctx context.Context, _ *auctionapi.GenerateBidRequest, _ auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type fakeBidding struct {
	mu         sync.Mutex
	bidders    map[string]bidFunc
	connectErr map[string]error
	started    []string
	closed     int
}

func newBidding() *fakeBidding {
	return &fakeBidding{bidders: make(map[string]bidFunc), connectErr: make(map[string]error)}
}

func (b *fakeBidding) on(name string, fn bidFunc) *fakeBidding {
	b.bidders[name] = fn
	return b
}

func (b *fakeBidding) ConnectBidder(_ context.Context, group *core.InterestGroup) (auctionapi.BidderConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectErr[group.Name]; err != nil {
		return nil, err
	}
	b.started = append(b.started, group.Name)
	fn := b.bidders[group.Name]
	if fn == nil {
		fn = noBid()
	}
	return &fakeBidderConn{fn: fn, owner: b}, nil
}

func (b *fakeBidding) startedGroups() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.started...)
}

type fakeBidderConn struct {
	fn    bidFunc
	owner *fakeBidding
}

func (c *fakeBidderConn) GenerateBid(ctx context.Context, req *auctionapi.GenerateBidRequest, handshake auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
	return c.fn(ctx, req, handshake)
}

func (c *fakeBidderConn) Close() error {
	c.owner.mu.Lock()
	c.owner.closed++
	c.owner.mu.Unlock()
	return nil
}

type scoreFunc func(ctx context.Context, req *auctionapi.ScoreAdRequest) (*auctionapi.ScoreAdResponse, error)

// scoreByBid uses the bid as desirability and allows component winners into
// the parent auction unchanged.
func scoreByBid(_ context.Context, req *auctionapi.ScoreAdRequest) (*auctionapi.ScoreAdResponse, error) {
	resp := &auctionapi.ScoreAdResponse{Score: req.Bid}
	if req.TopLevelSeller != "" {
		resp.ModifiedBid = &core.ModifiedBidParams{}
	}
	return resp, nil
}

type fakeScoring struct {
	mu         sync.Mutex
	sellers    map[string]scoreFunc
	connectErr map[string]error
	requests   map[string][]auctionapi.ScoreAdRequest
	flushes    map[string]int
	connected  []string

	// beforeConnect, when set, runs at the start of every ConnectSeller.
	beforeConnect func(seller string)
}

func newScoring() *fakeScoring {
	return &fakeScoring{
		sellers:    make(map[string]scoreFunc),
		connectErr: make(map[string]error),
		requests:   make(map[string][]auctionapi.ScoreAdRequest),
		flushes:    make(map[string]int),
	}
}

func (s *fakeScoring) on(seller string, fn scoreFunc) *fakeScoring {
	s.sellers[seller] = fn
	return s
}

func (s *fakeScoring) ConnectSeller(_ context.Context, cfg *auctionapi.AuctionConfig) (auctionapi.SellerConnection, error) {
	if s.beforeConnect != nil {
		s.beforeConnect(cfg.Seller)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, cfg.Seller)
	if err := s.connectErr[cfg.Seller]; err != nil {
		return nil, err
	}
	fn := s.sellers[cfg.Seller]
	if fn == nil {
		fn = scoreByBid
	}
	return &fakeSellerConn{seller: cfg.Seller, fn: fn, owner: s}, nil
}

func (s *fakeScoring) requestsFor(seller string) []auctionapi.ScoreAdRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auctionapi.ScoreAdRequest(nil), s.requests[seller]...)
}

func (s *fakeScoring) connectedSellers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.connected...)
}

func (s *fakeScoring) flushesFor(seller string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes[seller]
}

type fakeSellerConn struct {
	seller string
	fn     scoreFunc
	owner  *fakeScoring
}

func (c *fakeSellerConn) ScoreAd(ctx context.Context, req *auctionapi.ScoreAdRequest) (*auctionapi.ScoreAdResponse, error) {
	c.owner.mu.Lock()
	c.owner.requests[c.seller] = append(c.owner.requests[c.seller], *req)
	c.owner.mu.Unlock()
	return c.fn(ctx, req)
}

func (c *fakeSellerConn) SendPendingSignalsRequests(context.Context) error {
	c.owner.mu.Lock()
	c.owner.flushes[c.seller]++
	c.owner.mu.Unlock()
	return nil
}

func (c *fakeSellerConn) Close() error { return nil }

func testConfig(seller string, buyers ...string) *auctionapi.AuctionConfig {
	return &auctionapi.AuctionConfig{
		Seller:           seller,
		DecisionLogicURL: seller + "/decision.js",
		Buyers:           buyers,
	}
}

// eventually waits for cond to hold, failing the test after two seconds.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// runAuction runs both phases and returns the runner and the final result.
func runAuction(t *testing.T, cfg *auctionapi.AuctionConfig, store auctionapi.InterestGroupStore, bidding auctionapi.BiddingService, scoring auctionapi.ScoringService, opts ...Option) (*Runner, core.AuctionResult) {
	t.Helper()
	r := NewRunner(cfg, store, bidding, scoring, opts...)
	if result := r.StartLoad(context.Background()); result != core.ResultSuccess {
		return r, result
	}
	result := r.StartBiddingAndScoring(context.Background())
	final, ok := r.Result()
	assert.True(t, ok)
	assert.Equal(t, result, final)
	return r, result
}
