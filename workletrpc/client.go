package workletrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

const closeTimeout = 5 * time.Second

// Client reaches the collaborators served by a worklet host. It implements
// auctionapi.InterestGroupStore, BiddingService and ScoringService.
type Client struct {
	dial Dialer
}

// NewClient creates a client dialing a new stream per call.
func NewClient(dial Dialer) *Client {
	return &Client{dial: dial}
}

var (
	_ auctionapi.InterestGroupStore = (*Client)(nil)
	_ auctionapi.BiddingService     = (*Client)(nil)
	_ auctionapi.ScoringService     = (*Client)(nil)
)

// call sends one request and waits for its result, decoding it into out.
// Intermediate messages are handed to onMessage, which may reply on the
// same stream.
func (c *Client) call(ctx context.Context, msgType string, payload, out any, onMessage func(*envelope, *codec) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", auctionapi.ErrNoConnection, err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cd := newCodec(conn)
	if err := cd.send(msgType, payload); err != nil {
		return transportError(ctx, err)
	}
	for {
		env, err := cd.receive()
		if err != nil {
			return transportError(ctx, err)
		}
		switch env.Type {
		case TypeResult, TypePong:
			if out == nil {
				return nil
			}
			return decodePayload(env, out)
		case TypeError:
			return remoteError(env)
		default:
			if onMessage == nil {
				return fmt.Errorf("unexpected %s message in reply to %s", env.Type, msgType)
			}
			if err := onMessage(env, cd); err != nil {
				return transportError(ctx, err)
			}
		}
	}
}

// transportError reports a broken stream as a crashed worklet, unless the
// caller gave up first.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", auctionapi.ErrWorkletCrashed, err)
}

// Ping checks that the worklet host answers.
func (c *Client) Ping(ctx context.Context) error {
	var p pong
	return c.call(ctx, TypePing, nil, &p, nil)
}

func (c *Client) LoadGroups(ctx context.Context, owner string) ([]core.InterestGroup, error) {
	var resp loadGroupsResponse
	if err := c.call(ctx, TypeLoadGroups, loadGroupsRequest{Owner: owner}, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to load interest groups: %w", err)
	}
	return resp.Groups, nil
}

func (c *Client) ConnectBidder(ctx context.Context, group *core.InterestGroup) (auctionapi.BidderConnection, error) {
	var session sessionMessage
	if err := c.call(ctx, TypeConnectBidder, connectBidderRequest{Group: *group}, &session, nil); err != nil {
		return nil, err
	}
	return &bidderConn{client: c, session: session.Session}, nil
}

func (c *Client) ConnectSeller(ctx context.Context, cfg *auctionapi.AuctionConfig) (auctionapi.SellerConnection, error) {
	req := connectSellerRequest{Config: *cfg}
	req.Config.ComponentAuctions = nil
	var session sessionMessage
	if err := c.call(ctx, TypeConnectSeller, req, &session, nil); err != nil {
		return nil, err
	}
	return &sellerConn{client: c, session: session.Session}, nil
}

func (c *Client) closeSession(session string) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.call(ctx, TypeCloseSession, sessionMessage{Session: session}, nil, nil)
}

type bidderConn struct {
	client  *Client
	session string
}

func (b *bidderConn) GenerateBid(ctx context.Context, req *auctionapi.GenerateBidRequest, handshake auctionapi.SignalsHandshake) (*auctionapi.GenerateBidResponse, error) {
	onMessage := func(env *envelope, cd *codec) error {
		if env.Type != TypeSignalsReceived {
			return fmt.Errorf("unexpected %s message during generateBid", env.Type)
		}
		var signals signalsReceived
		if err := decodePayload(env, &signals); err != nil {
			return err
		}
		return cd.send(TypeContinue, continueDecision{Proceed: handshake(ctx, signals.PriorityVector)})
	}

	var resp auctionapi.GenerateBidResponse
	if err := b.client.call(ctx, TypeGenerateBid, generateBidRequest{Session: b.session, Request: *req}, &resp, onMessage); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *bidderConn) Close() error {
	return b.client.closeSession(b.session)
}

type sellerConn struct {
	client  *Client
	session string
}

func (s *sellerConn) ScoreAd(ctx context.Context, req *auctionapi.ScoreAdRequest) (*auctionapi.ScoreAdResponse, error) {
	var resp auctionapi.ScoreAdResponse
	if err := s.client.call(ctx, TypeScoreAd, scoreAdRequest{Session: s.session, Request: *req}, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *sellerConn) SendPendingSignalsRequests(ctx context.Context) error {
	return s.client.call(ctx, TypeFlushSignals, sessionMessage{Session: s.session}, nil, nil)
}

func (s *sellerConn) Close() error {
	return s.client.closeSession(s.session)
}
