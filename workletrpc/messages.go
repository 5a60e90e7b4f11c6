// Package workletrpc carries the interest group store, bidding and scoring
// collaborators over a byte stream (vsock or TCP). Each call uses its own
// connection; messages are CBOR envelopes.
package workletrpc

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
)

// Message types.
const (
	TypePing            = "ping"
	TypePong            = "pong"
	TypeLoadGroups      = "load_groups"
	TypeConnectBidder   = "connect_bidder"
	TypeGenerateBid     = "generate_bid"
	TypeSignalsReceived = "signals_received"
	TypeContinue        = "continue"
	TypeConnectSeller   = "connect_seller"
	TypeScoreAd         = "score_ad"
	TypeFlushSignals    = "send_pending_signals"
	TypeCloseSession    = "close_session"
	TypeResult          = "result"
	TypeError           = "error"
)

// Error kinds carried by TypeError messages.
const (
	errorKindCrashed      = "crashed"
	errorKindNoConnection = "no_connection"
)

type envelope struct {
	Type      string          `cbor:"type"`
	Payload   cbor.RawMessage `cbor:"payload,omitempty"`
	Error     string          `cbor:"error,omitempty"`
	ErrorKind string          `cbor:"error_kind,omitempty"`
}

type loadGroupsRequest struct {
	Owner string `cbor:"owner"`
}

type loadGroupsResponse struct {
	Groups []core.InterestGroup `cbor:"groups"`
}

type connectBidderRequest struct {
	Group core.InterestGroup `cbor:"group"`
}

type connectSellerRequest struct {
	Config auctionapi.AuctionConfig `cbor:"config"`
}

type sessionMessage struct {
	Session string `cbor:"session"`
}

type generateBidRequest struct {
	Session string                        `cbor:"session"`
	Request auctionapi.GenerateBidRequest `cbor:"request"`
}

type signalsReceived struct {
	PriorityVector map[string]float64 `cbor:"priority_vector,omitempty"`
}

type continueDecision struct {
	Proceed bool `cbor:"proceed"`
}

type scoreAdRequest struct {
	Session string                    `cbor:"session"`
	Request auctionapi.ScoreAdRequest `cbor:"request"`
}

type pong struct {
	Message   string `cbor:"message"`
	Timestamp int64  `cbor:"timestamp"`
}

// codec reads and writes envelopes on one stream.
type codec struct {
	enc *cbor.Encoder
	dec *cbor.Decoder
}

func newCodec(rw io.ReadWriter) *codec {
	return &codec{enc: cbor.NewEncoder(rw), dec: cbor.NewDecoder(rw)}
}

func (c *codec) send(msgType string, payload any) error {
	env := envelope{Type: msgType}
	if payload != nil {
		raw, err := cbor.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}

func (c *codec) sendError(err error) error {
	env := envelope{Type: TypeError, Error: err.Error()}
	switch {
	case errors.Is(err, auctionapi.ErrWorkletCrashed):
		env.ErrorKind = errorKindCrashed
	case errors.Is(err, auctionapi.ErrNoConnection):
		env.ErrorKind = errorKindNoConnection
	}
	return c.enc.Encode(env)
}

func (c *codec) receive() (*envelope, error) {
	var env envelope
	if err := c.dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func decodePayload(env *envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return nil
}

// remoteError turns a TypeError message back into an error matching the
// auctionapi sentinels.
func remoteError(env *envelope) error {
	switch env.ErrorKind {
	case errorKindCrashed:
		return fmt.Errorf("%w: %s", auctionapi.ErrWorkletCrashed, env.Error)
	case errorKindNoConnection:
		return fmt.Errorf("%w: %s", auctionapi.ErrNoConnection, env.Error)
	default:
		return errors.New(env.Error)
	}
}
