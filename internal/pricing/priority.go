package pricing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// Source is a named estimator inside a priority list. The name shows up
// in logs so a failing upstream can be identified.
type Source struct {
	Name      string
	Estimator Estimator
}

// PriorityList tries sources in order and returns the first successful
// estimate. When every source fails the most specific failure is
// surfaced: a token-support problem explains more than a liquidity
// miss, which explains more than a transport error.
type PriorityList struct {
	sources []Source
	logger  *slog.Logger
}

// NewPriorityList builds a priority list over the given sources. At
// least one source is required.
func NewPriorityList(sources []Source, logger *slog.Logger) *PriorityList {
	if len(sources) == 0 {
		panic("pricing: priority list needs at least one source")
	}
	return &PriorityList{sources: sources, logger: logger}
}

func (p *PriorityList) Estimate(ctx context.Context, q Query) (Estimate, error) {
	var worst *domain.EstimateError
	for _, src := range p.sources {
		est, err := src.Estimator.Estimate(ctx, q)
		if err == nil {
			return est, nil
		}
		if ctx.Err() != nil {
			return Estimate{}, domain.Estimatef(domain.EstimateTimeout, "estimate aborted: %v", ctx.Err())
		}
		p.logger.Warn("price source failed",
			slog.String("source", src.Name),
			slog.String("sell_token", q.SellToken.Hex()),
			slog.String("buy_token", q.BuyToken.Hex()),
			slog.String("kind", string(q.Kind)),
			slog.String("error", err.Error()),
		)
		worst = domain.MoreSpecific(worst, asEstimateError(err))
	}
	return Estimate{}, worst
}

// asEstimateError keeps typed failures and wraps everything else as a
// provider error so MoreSpecific can rank it.
func asEstimateError(err error) *domain.EstimateError {
	var ee *domain.EstimateError
	if errors.As(err, &ee) {
		return ee
	}
	return &domain.EstimateError{Kind: domain.EstimateProviderError, Message: err.Error(), Err: err}
}

var _ Estimator = (*PriorityList)(nil)
