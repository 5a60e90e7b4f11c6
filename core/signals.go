package core

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// PostAuctionSignals are only known once an auction level has a winner.
type PostAuctionSignals struct {
	WinningBid                 float64
	MadeWinningBid             bool
	HighestScoringOtherBid     float64
	MadeHighestScoringOtherBid bool
}

// Base values a private aggregation request may be scaled from.
const (
	BaseValueWinningBid             = "winning-bid"
	BaseValueHighestScoringOtherBid = "highest-scoring-other-bid"
	BaseValueBidRejectReason        = "bid-reject-reason"
)

// FillPostAuctionSignals replaces ${...} placeholders in the query string of
// a debug report URL. Percent-encoded placeholders are left untouched.
// topLevel is nil outside component auctions and rejectReason is nil for
// win reports. Filling an already filled URL returns it unchanged.
func FillPostAuctionSignals(rawURL string, signals PostAuctionSignals, topLevel *PostAuctionSignals, rejectReason *RejectReason) string {
	queryStart := strings.IndexByte(rawURL, '?')
	if queryStart < 0 {
		return rawURL
	}
	base, query := rawURL[:queryStart+1], rawURL[queryStart+1:]
	fragment := ""
	if hash := strings.IndexByte(query, '#'); hash >= 0 {
		query, fragment = query[:hash], query[hash:]
	}
	if !strings.Contains(query, "${") {
		return rawURL
	}

	replacements := []string{
		"${winningBid}", formatSignalFloat(signals.WinningBid),
		"${madeWinningBid}", strconv.FormatBool(signals.MadeWinningBid),
		"${highestScoringOtherBid}", formatSignalFloat(signals.HighestScoringOtherBid),
		"${madeHighestScoringOtherBid}", strconv.FormatBool(signals.MadeHighestScoringOtherBid),
	}
	if topLevel != nil {
		replacements = append(replacements,
			"${topLevelWinningBid}", formatSignalFloat(topLevel.WinningBid),
			"${topLevelMadeWinningBid}", strconv.FormatBool(topLevel.MadeWinningBid),
		)
	}
	if rejectReason != nil {
		replacements = append(replacements, "${rejectReason}", string(rejectReason.Normalize()))
	}

	return base + strings.NewReplacer(replacements...).Replace(query) + fragment
}

func formatSignalFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FillPrivateAggregationRequests resolves base values and drops requests
// whose event does not apply. won selects between reserved.win and
// reserved.loss requests.
func FillPrivateAggregationRequests(reqs []PrivateAggregationRequest, signals PostAuctionSignals, won bool, rejectReason RejectReason) []PrivateAggregationRequest {
	filled := make([]PrivateAggregationRequest, 0, len(reqs))
	for _, req := range reqs {
		switch req.Event {
		case "", EventAlways:
		case EventWin:
			if !won {
				continue
			}
		case EventLoss:
			if won {
				continue
			}
		default:
			continue
		}

		if req.BaseValue != "" {
			base, ok := baseValue(req.BaseValue, signals, rejectReason)
			if !ok {
				continue
			}
			scale := req.Scale
			if scale == 0 {
				scale = 1
			}
			value := decimal.NewFromFloat(base).
				Mul(decimal.NewFromFloat(scale)).
				Add(decimal.NewFromFloat(req.Offset))
			req.Value = value.IntPart()
			if req.Value < 0 {
				req.Value = 0
			}
			req.BaseValue = ""
			req.Scale = 0
			req.Offset = 0
		}
		req.Event = ""
		filled = append(filled, req)
	}
	return filled
}

func baseValue(name string, signals PostAuctionSignals, rejectReason RejectReason) (float64, bool) {
	switch name {
	case BaseValueWinningBid:
		return signals.WinningBid, true
	case BaseValueHighestScoringOtherBid:
		return signals.HighestScoringOtherBid, true
	case BaseValueBidRejectReason:
		return float64(rejectReasonIndex(rejectReason)), true
	default:
		return 0, false
	}
}

func rejectReasonIndex(r RejectReason) int {
	switch r.Normalize() {
	case RejectReasonInvalidBid:
		return 1
	case RejectReasonBidBelowAuctionFloor:
		return 2
	case RejectReasonPendingApprovalByExchange:
		return 3
	case RejectReasonDisapprovedByExchange:
		return 4
	case RejectReasonBlockedByPublisher:
		return 5
	case RejectReasonLanguageExclusions:
		return 6
	case RejectReasonCategoryExclusions:
		return 7
	default:
		return 0
	}
}
