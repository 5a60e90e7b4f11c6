package scenario

import (
	"context"
	"log"

	"github.com/cloudx-io/protectedauction/auction"
	"github.com/cloudx-io/protectedauction/auctionapi"
	"github.com/cloudx-io/protectedauction/core"
	"github.com/cloudx-io/protectedauction/outcome"
	"github.com/cloudx-io/protectedauction/validation"
)

// Services are the collaborators an auction runs against.
type Services struct {
	Store   auctionapi.InterestGroupStore
	Bidding auctionapi.BiddingService
	Scoring auctionapi.ScoringService
}

// Run plays the auction of the scenario and returns its outcome. A nil svc
// runs against the scenario's own scripts in process.
func (s *Scenario) Run(ctx context.Context, svc *Services, opts ...auction.Option) (*outcome.Outcome, error) {
	if svc == nil {
		c := s.Collaborators()
		svc = &Services{Store: c, Bidding: c, Scoring: c}
	}
	mode, err := ParseKAnonMode(s.KAnonMode)
	if err != nil {
		return nil, err
	}

	opts = append([]auction.Option{
		auction.WithKAnonMode(mode),
		auction.WithPermissions(s.Permissions()),
	}, opts...)
	runner := auction.NewRunner(&s.Auction, svc.Store, svc.Bidding, svc.Scoring, opts...)

	log.Printf("INFO: Running scenario %q", s.Name)
	if result := runner.StartLoad(ctx); result == core.ResultSuccess {
		runner.StartBiddingAndScoring(ctx)
	}
	o, err := outcome.Build(s.Auction.Seller, runner)
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: Scenario %q finished with result %s", s.Name, o.Result)
	return o, nil
}

// Check compares an outcome with the scenario's expectations. A scenario
// without expectations accepts every outcome.
func (s *Scenario) Check(o *outcome.Outcome) *validation.ExpectationResult {
	exp := s.Expect
	if exp == nil {
		exp = &validation.Expectation{}
	}
	return validation.CheckOutcome(o, exp)
}
