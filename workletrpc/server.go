package workletrpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/protectedauction/auctionapi"
)

const connectionTimeout = 30 * time.Second

// Server exposes collaborators to remote auction runners. Bidder and seller
// connections opened by clients are kept as sessions until closed.
type Server struct {
	store      auctionapi.InterestGroupStore
	bidding    auctionapi.BiddingService
	scoring    auctionapi.ScoringService
	maxWorkers int

	mu      sync.Mutex
	bidders map[string]auctionapi.BidderConnection
	sellers map[string]auctionapi.SellerConnection
}

// NewServer creates a server handling at most maxWorkers connections at a
// time.
func NewServer(store auctionapi.InterestGroupStore, bidding auctionapi.BiddingService, scoring auctionapi.ScoringService, maxWorkers int) *Server {
	return &Server{
		store:      store,
		bidding:    bidding,
		scoring:    scoring,
		maxWorkers: maxWorkers,
		bidders:    make(map[string]auctionapi.BidderConnection),
		sellers:    make(map[string]auctionapi.SellerConnection),
	}
}

// Serve accepts connections on l until ctx is done or l is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.maxWorkers <= 0 {
		return fmt.Errorf("invalid max workers %d", s.maxWorkers)
	}
	stop := context.AfterFunc(ctx, func() {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("ERROR: Failed to close listener: %v", err)
		}
	})
	defer stop()

	semaphore := make(chan struct{}, s.maxWorkers)
	log.Printf("INFO: Worker pool initialized with %d max concurrent workers", s.maxWorkers)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("ERROR: Failed to accept connection: %v", err)
			continue
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }() // Release worker slot
				s.handleConnection(ctx, c)
			}(conn)
		default:
			log.Printf("INFO: No workers available, rejecting connection (pool full)")
			if err := conn.Close(); err != nil {
				log.Printf("ERROR: Failed to close rejected connection: %v", err)
			}
		}
	}
}

// Close closes every open session.
func (s *Server) Close() {
	s.mu.Lock()
	bidders, sellers := s.bidders, s.sellers
	s.bidders = make(map[string]auctionapi.BidderConnection)
	s.sellers = make(map[string]auctionapi.SellerConnection)
	s.mu.Unlock()

	for session, b := range bidders {
		if err := b.Close(); err != nil {
			log.Printf("ERROR: Failed to close bidder session %s: %v", session, err)
		}
	}
	for session, sc := range sellers {
		if err := sc.Close(); err != nil {
			log.Printf("ERROR: Failed to close seller session %s: %v", session, err)
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Panic recovered in handleConnection: %v", r)
		}
		if err := conn.Close(); err != nil {
			log.Printf("ERROR: Failed to close connection: %v", err)
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(connectionTimeout))
	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	cd := newCodec(conn)
	env, err := cd.receive()
	if err != nil {
		log.Printf("ERROR: Failed to decode request: %v", err)
		return
	}

	var result any
	switch env.Type {
	case TypePing:
		if err := cd.send(TypePong, pong{Message: "worklet host is healthy", Timestamp: time.Now().Unix()}); err != nil {
			log.Printf("ERROR: Failed to send pong: %v", err)
		}
		return
	case TypeLoadGroups:
		result, err = s.loadGroups(ctx, env)
	case TypeConnectBidder:
		result, err = s.connectBidder(ctx, env)
	case TypeGenerateBid:
		result, err = s.generateBid(ctx, env, cd)
	case TypeConnectSeller:
		result, err = s.connectSeller(ctx, env)
	case TypeScoreAd:
		result, err = s.scoreAd(ctx, env)
	case TypeFlushSignals:
		err = s.flushSignals(ctx, env)
	case TypeCloseSession:
		err = s.closeSession(env)
	default:
		err = fmt.Errorf("unknown request type: %s", env.Type)
	}

	if err != nil {
		log.Printf("INFO: %s request failed: %v", env.Type, err)
		if sendErr := cd.sendError(err); sendErr != nil {
			log.Printf("ERROR: Failed to send error response: %v", sendErr)
		}
		return
	}
	if err := cd.send(TypeResult, result); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

func (s *Server) loadGroups(ctx context.Context, env *envelope) (any, error) {
	var req loadGroupsRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}
	groups, err := s.store.LoadGroups(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	return loadGroupsResponse{Groups: groups}, nil
}

func (s *Server) connectBidder(ctx context.Context, env *envelope) (any, error) {
	var req connectBidderRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}
	conn, err := s.bidding.ConnectBidder(ctx, &req.Group)
	if err != nil {
		return nil, err
	}
	session := uuid.New().String()
	s.mu.Lock()
	s.bidders[session] = conn
	s.mu.Unlock()
	return sessionMessage{Session: session}, nil
}

func (s *Server) generateBid(ctx context.Context, env *envelope, cd *codec) (any, error) {
	var req generateBidRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	conn := s.bidders[req.Session]
	s.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: unknown bidder session %s", auctionapi.ErrNoConnection, req.Session)
	}

	handshake := func(_ context.Context, priorityVector map[string]float64) bool {
		if err := cd.send(TypeSignalsReceived, signalsReceived{PriorityVector: priorityVector}); err != nil {
			log.Printf("ERROR: Failed to send signals handshake: %v", err)
			return false
		}
		reply, err := cd.receive()
		if err != nil || reply.Type != TypeContinue {
			return false
		}
		var decision continueDecision
		if err := decodePayload(reply, &decision); err != nil {
			return false
		}
		return decision.Proceed
	}

	resp, err := conn.GenerateBid(ctx, &req.Request, handshake)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) connectSeller(ctx context.Context, env *envelope) (any, error) {
	var req connectSellerRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}
	conn, err := s.scoring.ConnectSeller(ctx, &req.Config)
	if err != nil {
		return nil, err
	}
	session := uuid.New().String()
	s.mu.Lock()
	s.sellers[session] = conn
	s.mu.Unlock()
	return sessionMessage{Session: session}, nil
}

func (s *Server) seller(session string) (auctionapi.SellerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.sellers[session]
	if conn == nil {
		return nil, fmt.Errorf("%w: unknown seller session %s", auctionapi.ErrNoConnection, session)
	}
	return conn, nil
}

func (s *Server) scoreAd(ctx context.Context, env *envelope) (any, error) {
	var req scoreAdRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}
	conn, err := s.seller(req.Session)
	if err != nil {
		return nil, err
	}
	resp, err := conn.ScoreAd(ctx, &req.Request)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) flushSignals(ctx context.Context, env *envelope) error {
	var req sessionMessage
	if err := decodePayload(env, &req); err != nil {
		return err
	}
	conn, err := s.seller(req.Session)
	if err != nil {
		return err
	}
	return conn.SendPendingSignalsRequests(ctx)
}

func (s *Server) closeSession(env *envelope) error {
	var req sessionMessage
	if err := decodePayload(env, &req); err != nil {
		return err
	}
	s.mu.Lock()
	bidder, isBidder := s.bidders[req.Session]
	seller, isSeller := s.sellers[req.Session]
	delete(s.bidders, req.Session)
	delete(s.sellers, req.Session)
	s.mu.Unlock()

	switch {
	case isBidder:
		return bidder.Close()
	case isSeller:
		return seller.Close()
	default:
		return nil
	}
}
