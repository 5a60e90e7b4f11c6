package workletrpc

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/protectedauction/auction"
	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

const (
	testSeller = "https://seller.test"
	testBuyerA = "https://a.test"
	testBuyerB = "https://b.test"
)

type stubStore map[string][]core.InterestGroup

func (s stubStore) LoadGroups(_ context.Context, owner string) ([]core.InterestGroup, error) {
	if owner == "https://broken.test" {
		return nil, errors.New("storage unavailable")
	}
	return s[owner], nil
}

type stubBidding struct {
	// bids maps owner to the bid its groups make; negative means crash.
	bids       map[string]float64
	vector     map[string]float64
	connectErr error
	blocking   bool
}

func (b *stubBidding) ConnectBidder(_ context.Context, group *core.InterestGroup) (auctionapi.BidderConnection, error) {
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	return &stubBidder{parent: b, group: *group}, nil
}

type stubBidder struct {
	parent *stubBidding
	group  core.InterestGroup
}

func (b *stubBidder) GenerateBid(ctx context.Context, req *auctionapi.GenerateBidRequest, handshake auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
	if b.parent.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	value := b.parent.bids[req.Group.Owner]
	if value < 0 {
		return nil, auctionapi.ErrWorkletCrashed
	}
	if !handshake(ctx, b.parent.vector) {
		return &auctionapi.GenerateBidResponse{}, nil
	}
	return &auctionapi.GenerateBidResponse{
		Bid:               &auctionapi.BidderBid{Bid: value, RenderURL: req.Group.Ads[0].RenderURL},
		DebugWinReportURL: req.Group.Owner + "/win?bid=${winningBid}",
	}, nil
}

func (b *stubBidder) Close() error { return nil }

type stubScoring struct {
	mu       sync.Mutex
	flushed  int
	closed   int
	closeErr error
}

func (s *stubScoring) ConnectSeller(_ context.Context, cfg *auctionapi.AuctionConfig) (auctionapi.SellerConnection, error) {
	if cfg.DecisionLogicURL == "" {
		return nil, auctionapi.ErrNoConnection
	}
	return &stubSeller{parent: s}, nil
}

type stubSeller struct {
	parent *stubScoring
}

func (s *stubSeller) ScoreAd(_ context.Context, req *auctionapi.ScoreAdRequest) (*auctionapi.ScoreAdResponse, error) {
	resp := &auctionapi.ScoreAdResponse{Score: req.Bid}
	if req.TopLevelSeller != "" {
		resp.ModifiedBid = &core.ModifiedBidParams{}
	}
	return resp, nil
}

func (s *stubSeller) SendPendingSignalsRequests(context.Context) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.flushed++
	return nil
}

func (s *stubSeller) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.closed++
	return s.parent.closeErr
}

func testGroup(owner, name string) core.InterestGroup {
	return core.InterestGroup{
		Owner:          owner,
		Name:           name,
		BiddingURL:     owner + "/bid.js",
		Priority:       1.5,
		PriorityVector: map[string]float64{"browserSignals.one": 2},
		Ads:            []core.Ad{{RenderURL: owner + "/ad/" + name, Metadata: `{"size":"300x250"}`}},
	}
}

// startServer serves the stubs on a localhost listener until the test ends.
func startServer(t *testing.T, store auctionapi.InterestGroupStore, bidding auctionapi.BiddingService, scoring auctionapi.ScoringService, maxWorkers int) (*Client, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)

	server := NewServer(store, bidding, scoring, maxWorkers)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		check.Nil(t, <-done)
		server.Close()
	})

	addr := l.Addr().String()
	return NewClient(TCPDialer(addr)), addr
}

func TestClient_Ping(t *testing.T) {
	client, _ := startServer(t, stubStore{}, &stubBidding{}, &stubScoring{}, 4)
	check.Nil(t, client.Ping(context.Background()))
}

func TestClient_LoadGroups(t *testing.T) {
	store := stubStore{testBuyerA: {testGroup(testBuyerA, "shoes"), testGroup(testBuyerA, "hats")}}
	client, _ := startServer(t, store, &stubBidding{}, &stubScoring{}, 4)

	groups, err := client.LoadGroups(context.Background(), testBuyerA)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(groups))
	check.Equal(t, store[testBuyerA][0], groups[0])
	check.Equal(t, "hats", groups[1].Name)

	groups, err = client.LoadGroups(context.Background(), testBuyerB)
	check.Nil(t, err)
	check.Equal(t, 0, len(groups))

	_, err = client.LoadGroups(context.Background(), "https://broken.test")
	check.Error(t, err)
	check.False(t, errors.Is(err, auctionapi.ErrWorkletCrashed))
}

func TestClient_GenerateBidHandshake(t *testing.T) {
	bidding := &stubBidding{bids: map[string]float64{testBuyerA: 3}, vector: map[string]float64{"x": 1.5}}
	client, _ := startServer(t, stubStore{}, bidding, &stubScoring{}, 4)
	group := testGroup(testBuyerA, "shoes")

	t.Run("proceed", func(t *testing.T) {
		conn, err := client.ConnectBidder(context.Background(), &group)
		assert.Nil(t, err)
		defer func() { check.Nil(t, conn.Close()) }()

		var got map[string]float64
		resp, err := conn.GenerateBid(context.Background(), &auctionapi.GenerateBidRequest{Group: group, Seller: testSeller},
			func(_ context.Context, vector map[string]float64) bool {
				got = vector
				return true
			})
		assert.Nil(t, err)
		check.Equal(t, map[string]float64{"x": 1.5}, got)
		assert.NotNil(t, resp.Bid)
		check.Equal(t, 3.0, resp.Bid.Bid)
		check.Equal(t, group.Ads[0].RenderURL, resp.Bid.RenderURL)
	})

	t.Run("denied", func(t *testing.T) {
		conn, err := client.ConnectBidder(context.Background(), &group)
		assert.Nil(t, err)
		defer func() { check.Nil(t, conn.Close()) }()

		resp, err := conn.GenerateBid(context.Background(), &auctionapi.GenerateBidRequest{Group: group, Seller: testSeller},
			func(context.Context, map[string]float64) bool { return false })
		assert.Nil(t, err)
		check.Nil(t, resp.Bid)
	})
}

func TestClient_ErrorKinds(t *testing.T) {
	group := testGroup(testBuyerA, "shoes")

	t.Run("crash", func(t *testing.T) {
		client, _ := startServer(t, stubStore{}, &stubBidding{bids: map[string]float64{testBuyerA: -1}}, &stubScoring{}, 4)
		conn, err := client.ConnectBidder(context.Background(), &group)
		assert.Nil(t, err)
		_, err = conn.GenerateBid(context.Background(), &auctionapi.GenerateBidRequest{Group: group}, auctionapi.SignalsHandshake(func(context.Context, map[string]float64) bool { return true }))
		check.True(t, errors.Is(err, auctionapi.ErrWorkletCrashed))
	})

	t.Run("no connection", func(t *testing.T) {
		bidding := &stubBidding{connectErr: errors.Join(auctionapi.ErrNoConnection, errors.New("script failed to load"))}
		client, _ := startServer(t, stubStore{}, bidding, &stubScoring{}, 4)
		_, err := client.ConnectBidder(context.Background(), &group)
		check.True(t, errors.Is(err, auctionapi.ErrNoConnection))
	})

	t.Run("unknown session", func(t *testing.T) {
		client, _ := startServer(t, stubStore{}, &stubBidding{}, &stubScoring{}, 4)
		seller := &sellerConn{client: client, session: "missing"}
		_, err := seller.ScoreAd(context.Background(), &auctionapi.ScoreAdRequest{Bid: 1})
		check.True(t, errors.Is(err, auctionapi.ErrNoConnection))
	})

	t.Run("host unreachable", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		assert.Nil(t, err)
		addr := l.Addr().String()
		check.Nil(t, l.Close())

		err = NewClient(TCPDialer(addr)).Ping(context.Background())
		check.True(t, errors.Is(err, auctionapi.ErrNoConnection))
	})
}

func TestClient_SellerSession(t *testing.T) {
	scoring := &stubScoring{}
	client, _ := startServer(t, stubStore{}, &stubBidding{}, scoring, 4)

	_, err := client.ConnectSeller(context.Background(), &auctionapi.AuctionConfig{Seller: testSeller})
	check.True(t, errors.Is(err, auctionapi.ErrNoConnection))

	conn, err := client.ConnectSeller(context.Background(), &auctionapi.AuctionConfig{Seller: testSeller, DecisionLogicURL: testSeller + "/decide.js"})
	assert.Nil(t, err)

	resp, err := conn.ScoreAd(context.Background(), &auctionapi.ScoreAdRequest{Bid: 2.5, TopLevelSeller: "https://top.test"})
	assert.Nil(t, err)
	check.Equal(t, 2.5, resp.Score)
	check.NotNil(t, resp.ModifiedBid)

	check.Nil(t, conn.SendPendingSignalsRequests(context.Background()))
	check.Nil(t, conn.Close())

	scoring.mu.Lock()
	check.Equal(t, 1, scoring.flushed)
	check.Equal(t, 1, scoring.closed)
	scoring.mu.Unlock()

	// The session is gone once closed.
	_, err = conn.ScoreAd(context.Background(), &auctionapi.ScoreAdRequest{Bid: 1})
	check.True(t, errors.Is(err, auctionapi.ErrNoConnection))
}

func TestClient_ContextCancellation(t *testing.T) {
	client, _ := startServer(t, stubStore{}, &stubBidding{blocking: true}, &stubScoring{}, 4)
	group := testGroup(testBuyerA, "shoes")
	conn, err := client.ConnectBidder(context.Background(), &group)
	assert.Nil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.GenerateBid(ctx, &auctionapi.GenerateBidRequest{Group: group}, func(context.Context, map[string]float64) bool { return true })
	check.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestServer_RejectsWhenPoolFull(t *testing.T) {
	client, addr := startServer(t, stubStore{}, &stubBidding{}, &stubScoring{}, 1)

	// An idle connection holds the only worker.
	busy, err := net.Dial("tcp", addr)
	assert.Nil(t, err)

	err = client.Ping(context.Background())
	check.True(t, errors.Is(err, auctionapi.ErrWorkletCrashed))

	check.Nil(t, busy.Close())
	var pingErr error
	for i := 0; i < 50; i++ {
		if pingErr = client.Ping(context.Background()); pingErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	check.Nil(t, pingErr)
}

func TestServer_InvalidMaxWorkers(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	defer func() { _ = l.Close() }()

	err = NewServer(stubStore{}, &stubBidding{}, &stubScoring{}, 0).Serve(context.Background(), l)
	check.Error(t, err)
}

func TestRunner_OverClient(t *testing.T) {
	store := stubStore{
		testBuyerA: {testGroup(testBuyerA, "shoes")},
		testBuyerB: {testGroup(testBuyerB, "cars")},
	}
	bidding := &stubBidding{bids: map[string]float64{testBuyerA: 2, testBuyerB: 5}}
	scoring := &stubScoring{}
	client, _ := startServer(t, store, bidding, scoring, 16)

	cfg := &auctionapi.AuctionConfig{
		Seller:           testSeller,
		DecisionLogicURL: testSeller + "/decide.js",
		Buyers:           []string{testBuyerA, testBuyerB},
	}
	runner := auction.NewRunner(cfg, client, client, client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	check.Equal(t, core.ResultSuccess, runner.StartLoad(ctx))
	check.Equal(t, core.ResultSuccess, runner.StartBiddingAndScoring(ctx))

	top := runner.TopBid()
	assert.NotNil(t, top)
	check.Equal(t, testBuyerB, top.Bid.Owner())
	check.Equal(t, 5.0, top.Bid.Value)

	win, _ := runner.TakeDebugReportURLs()
	check.Equal(t, []string{testBuyerB + "/win?bid=5"}, win)
}

func TestServer_CloseLogsSessionErrors(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	scoring := &stubScoring{closeErr: errors.New("decision logic still running")}
	server := NewServer(stubStore{}, &stubBidding{}, scoring, 4)
	server.sellers["s1"] = &stubSeller{parent: scoring}
	server.sellers["s2"] = &stubSeller{parent: scoring}
	server.bidders["b1"] = &stubBidder{parent: &stubBidding{}}

	server.Close()

	check.Equal(t, 2, scoring.closed)
	check.Equal(t, 0, len(server.sellers))
	check.Equal(t, 0, len(server.bidders))
	check.True(t, strings.Contains(buf.String(), "ERROR: Failed to close seller session s1: decision logic still running"))
	check.True(t, strings.Contains(buf.String(), "ERROR: Failed to close seller session s2"))
	check.False(t, strings.Contains(buf.String(), "bidder session"))
}
