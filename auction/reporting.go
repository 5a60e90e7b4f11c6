package auction

import (
	"github.com/cloudx-io/protectedauction/core"
)

// report holds what a successful auction hands to the reporting
// collaborator.
type report struct {
	winURLs            []string
	lossURLs           []string
	privateAggregation map[string][]core.PrivateAggregationRequest
	kanonKeys          []string
}

func buildReport(root *node) *report {
	rootLeader := root.leader()
	top := rootLeader.TopBid
	winner := top.Bid.State

	var winningComponent *node
	if top.Bid.ComponentWinner != nil {
		winningComponent, _ = top.Bid.ComponentWinner.Bid.Level.(*node)
	}

	rep := &report{
		privateAggregation: make(map[string][]core.PrivateAggregationRequest),
		kanonKeys:          core.KAnonKeysForBid(top.Bid),
	}

	root.walk(func(n *node) {
		var topLevel *core.PostAuctionSignals
		if n != root {
			topLevel = &core.PostAuctionSignals{
				WinningBid:     top.Bid.Value,
				MadeWinningBid: n == winningComponent,
			}
		}

		for _, owner := range n.buyerOwners {
			for _, state := range n.groups[owner] {
				won := state == winner
				signals := signalsFor(n.leader(), owner)
				reason := state.RejectReason

				if state.MadeBid {
					rep.addDebugURLs(state.BidderDebug, won, signals, topLevel, reason)
					rep.addDebugURLs(state.SellerDebug, won, signals, topLevel, reason)
					if n != root {
						rep.addDebugURLs(state.TopLevelSellerDebug, won, signalsFor(rootLeader, owner), nil, reason)
					}
				}

				for origin, reqs := range state.PrivateAggregation {
					s := signals
					if n != root && origin == root.config.Seller {
						s = signalsFor(rootLeader, owner)
					}
					filled := core.FillPrivateAggregationRequests(reqs, s, won, reason)
					if len(filled) > 0 {
						rep.privateAggregation[origin] = append(rep.privateAggregation[origin], filled...)
					}
				}
			}
		}
	})
	return rep
}

func (r *report) addDebugURLs(urls core.DebugReportURLs, won bool, signals core.PostAuctionSignals, topLevel *core.PostAuctionSignals, reason core.RejectReason) {
	if won {
		if urls.Win != "" {
			r.winURLs = append(r.winURLs, core.FillPostAuctionSignals(urls.Win, signals, topLevel, nil))
		}
		return
	}
	if urls.Loss != "" {
		r.lossURLs = append(r.lossURLs, core.FillPostAuctionSignals(urls.Loss, signals, topLevel, &reason))
	}
}

// signalsFor returns the post-auction signals of one level as seen by
// owner.
func signalsFor(leader *core.LeaderInfo, owner string) core.PostAuctionSignals {
	var signals core.PostAuctionSignals
	if top := leader.TopBid; top != nil {
		signals.WinningBid = top.Bid.Value
		signals.MadeWinningBid = top.Bid.Owner() == owner
	}
	signals.HighestScoringOtherBid = leader.HighestScoringOtherBid
	if o := leader.HighestScoringOtherBidOwner; o != nil {
		signals.MadeHighestScoringOtherBid = *o == owner
	}
	return signals
}
