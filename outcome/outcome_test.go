package outcome

import (
	"errors"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/protectedauction/core"
)

type fakeSource struct {
	result   core.AuctionResult
	finished bool
	top      *core.ScoredBid
	win      []string
	loss     []string
	errs     []string
	updates  map[core.InterestGroupKey]float64
	taken    int
}

func (f *fakeSource) Result() (core.AuctionResult, bool) { return f.result, f.finished }
func (f *fakeSource) ComponentResults() []core.AuctionResult {
	return []core.AuctionResult{core.ResultSuccess, core.ResultComponentLostParentAuction}
}
func (f *fakeSource) TopBid() *core.ScoredBid { return f.top }
func (f *fakeSource) NumPotentialBidders() int { return 3 }
func (f *fakeSource) InterestGroupsThatBid() []core.InterestGroupKey {
	return []core.InterestGroupKey{{Owner: "https://a.test", Name: "shoes"}}
}
func (f *fakeSource) KAnonKeysToJoin() []string { return []string{"k1"} }
func (f *fakeSource) TakeDebugReportURLs() (win, loss []string) {
	f.taken++
	return f.win, f.loss
}
func (f *fakeSource) TakePrivateAggregationRequests() map[string][]core.PrivateAggregationRequest {
	f.taken++
	return map[string][]core.PrivateAggregationRequest{"https://a.test": {{Bucket: "1", Value: 5}}}
}
func (f *fakeSource) TakeErrors() []string {
	f.taken++
	return f.errs
}
func (f *fakeSource) TakePostAuctionUpdateOwners() []string {
	f.taken++
	return []string{"https://a.test"}
}
func (f *fakeSource) TakePriorityUpdates() map[core.InterestGroupKey]float64 {
	f.taken++
	return f.updates
}

func winningSource() *fakeSource {
	group := &core.InterestGroup{Owner: "https://a.test", Name: "shoes", BiddingURL: "https://a.test/bid.js"}
	state := core.NewBidState(group, "trace")
	return &fakeSource{
		result:   core.ResultSuccess,
		finished: true,
		top: &core.ScoredBid{
			Score: 7,
			Bid:   &core.Bid{Role: core.BidRoleBoth, Value: 2.5, RenderURL: "https://a.test/ad", State: state},
		},
		win:  []string{"https://a.test/win?bid=2.5"},
		loss: []string{"https://b.test/loss?bid=2.5"},
		errs: []string{"bid from https://c.test/x dropped"},
		updates: map[core.InterestGroupKey]float64{
			{Owner: "https://b.test", Name: "z"}: 1,
			{Owner: "https://a.test", Name: "y"}: 2,
			{Owner: "https://a.test", Name: "x"}: 3,
		},
	}
}

func TestBuild(t *testing.T) {
	src := winningSource()
	o, err := Build("https://seller.test", src)
	assert.Nil(t, err)

	check.NotEqual(t, "", o.ID)
	check.Equal(t, 64, len(o.Nonce))
	check.Equal(t, "https://seller.test", o.Seller)
	check.Equal(t, "success", o.Result)
	check.Equal(t, []string{"success", "component-lost-parent-auction"}, o.ComponentResults)
	check.Equal(t, 3, o.NumPotentialBidders)
	check.Equal(t, []string{"k1"}, o.KAnonKeysToJoin)
	check.Equal(t, 5, src.taken)

	assert.True(t, o.Won())
	check.Equal(t, "https://a.test", o.Winner.Owner)
	check.Equal(t, "shoes", o.Winner.Name)
	check.Equal(t, 2.5, o.Winner.Bid)
	check.Equal(t, 7.0, o.Winner.Score)
	check.False(t, o.Winner.FromComponentAuction)

	check.Equal(t, []string{"https://a.test/win?bid=2.5"}, o.DebugWinReportURLs)
	check.Equal(t, []string{"https://b.test/loss?bid=2.5"}, o.DebugLossReportURLs)
	check.Equal(t, []PriorityUpdate{
		{Owner: "https://a.test", Name: "x", Priority: 3},
		{Owner: "https://a.test", Name: "y", Priority: 2},
		{Owner: "https://b.test", Name: "z", Priority: 1},
	}, o.PriorityUpdates)
}

func TestBuild_NoWinner(t *testing.T) {
	src := &fakeSource{result: core.ResultNoBids, finished: true}
	o, err := Build("https://seller.test", src)
	assert.Nil(t, err)
	check.Equal(t, "no-bids", o.Result)
	check.False(t, o.Won())
	check.Nil(t, o.Winner)
}

func TestBuild_NotFinished(t *testing.T) {
	_, err := Build("https://seller.test", &fakeSource{})
	check.True(t, errors.Is(err, ErrNotFinished))
}

func TestBuild_UniqueIDs(t *testing.T) {
	a, err := Build("https://seller.test", winningSource())
	assert.Nil(t, err)
	b, err := Build("https://seller.test", winningSource())
	assert.Nil(t, err)
	check.NotEqual(t, a.ID, b.ID)
	check.NotEqual(t, a.Nonce, b.Nonce)
}

func TestPayloadRoundTrip(t *testing.T) {
	o, err := Build("https://seller.test", winningSource())
	assert.Nil(t, err)

	data, err := MarshalPayload(o)
	assert.Nil(t, err)
	again, err := MarshalPayload(o)
	assert.Nil(t, err)
	check.Equal(t, data, again)

	decoded, err := UnmarshalPayload(data)
	assert.Nil(t, err)
	check.Equal(t, o.ID, decoded.ID)
	check.True(t, o.Timestamp.Equal(decoded.Timestamp))
	check.Equal(t, *o.Winner, *decoded.Winner)
	check.Equal(t, o.PrivateAggregation, decoded.PrivateAggregation)
	check.Equal(t, o.PriorityUpdates, decoded.PriorityUpdates)
}
