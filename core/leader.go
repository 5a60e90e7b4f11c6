package core

// LeaderInfo holds the leading bids of one k-anonymity track of one auction
// level. It is only updated through UpdateLeaders.
type LeaderInfo struct {
	// TopBid is the highest scoring bid so far, nil until a bid is accepted.
	TopBid *ScoredBid

	// NumTopBids counts bids with the same score as TopBid, including it.
	NumTopBids int

	// NumSecondHighestBids counts bids with SecondHighestScore. When the
	// second highest score equals the top score, TopBid is not included.
	NumSecondHighestBids int

	// HighestScoringOtherBid is the value of the bid with the second highest
	// score. On ties one of the tied values is chosen at random.
	HighestScoringOtherBid float64
	SecondHighestScore     float64

	// AtMostOneTopBidOwner is true while every bid with the top score shares
	// one owner.
	AtMostOneTopBidOwner bool

	// HighestScoringOtherBidOwner is nil when the second highest score is
	// shared by bids from different owners, including the case where the top
	// bid itself is tied across owners.
	HighestScoringOtherBidOwner *string
}

// NewLeaderInfo returns an empty leader state.
func NewLeaderInfo() *LeaderInfo {
	return &LeaderInfo{AtMostOneTopBidOwner: true}
}

// UpdateLeaders folds a scored bid into info. owner is the interest group
// owner of the bid. Bids with a non-positive score leave info unchanged.
// Among equal top scores the bid processed first stays on top.
func UpdateLeaders(info *LeaderInfo, scored *ScoredBid, owner string, randSource RandSource) {
	if scored.Score <= 0 {
		return
	}
	if randSource == nil {
		randSource = defaultRandSource
	}

	top := info.TopBid
	switch {
	case top == nil || scored.Score > top.Score:
		if top != nil {
			topOwner := top.Bid.Owner()
			onNewHighestScoringOtherBid(info, top.Score, top.Bid.Value, &topOwner, randSource)
		}
		info.TopBid = scored
		info.NumTopBids = 1
		info.AtMostOneTopBidOwner = true

	case scored.Score == top.Score:
		info.NumTopBids++
		if owner != top.Bid.Owner() {
			info.AtMostOneTopBidOwner = false
		}
		var otherOwner *string
		if info.AtMostOneTopBidOwner {
			otherOwner = &owner
		}
		onNewHighestScoringOtherBid(info, scored.Score, scored.Bid.Value, otherOwner, randSource)

	case scored.Score >= info.SecondHighestScore:
		onNewHighestScoringOtherBid(info, scored.Score, scored.Bid.Value, &owner, randSource)
	}
}

func onNewHighestScoringOtherBid(info *LeaderInfo, score, value float64, owner *string, randSource RandSource) {
	if score > info.SecondHighestScore || info.NumSecondHighestBids == 0 {
		info.SecondHighestScore = score
		info.HighestScoringOtherBid = value
		info.NumSecondHighestBids = 1
		info.HighestScoringOtherBidOwner = copyOwner(owner)
		return
	}

	// score == SecondHighestScore
	info.NumSecondHighestBids++
	if owner == nil || info.HighestScoringOtherBidOwner == nil || *owner != *info.HighestScoringOtherBidOwner {
		info.HighestScoringOtherBidOwner = nil
	}
	if randSource.Intn(info.NumSecondHighestBids) == 0 {
		info.HighestScoringOtherBid = value
	}
}

func copyOwner(owner *string) *string {
	if owner == nil {
		return nil
	}
	o := *owner
	return &o
}
