package pricing

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/platform/oneinch"
)

// OneInchAPI is the slice of the aggregator client this source needs.
type OneInchAPI interface {
	GetQuote(ctx context.Context, p oneinch.QuoteParams) (oneinch.QuoteResponse, error)
}

// OneInchSource estimates sell orders through the 1inch aggregator.
// The quote API only prices exact-input swaps, so buy orders fall
// through to the next source in the priority list.
type OneInchSource struct {
	api OneInchAPI
}

func NewOneInchSource(api OneInchAPI) *OneInchSource {
	return &OneInchSource{api: api}
}

func (o *OneInchSource) Estimate(ctx context.Context, q Query) (Estimate, error) {
	if q.Kind != domain.OrderKindSell {
		return Estimate{}, domain.Estimatef(domain.EstimateUnsupportedOrderType, "aggregator quotes exact-input swaps only")
	}

	quote, err := o.api.GetQuote(ctx, oneinch.QuoteParams{
		FromTokenAddress: q.SellToken,
		ToTokenAddress:   q.BuyToken,
		Amount:           q.InAmount,
	})
	if err != nil {
		return Estimate{}, classifyOneInchError(err)
	}

	out, err := quote.ToAmount()
	if err != nil {
		return Estimate{}, &domain.EstimateError{Kind: domain.EstimateProviderError, Message: err.Error(), Err: err}
	}
	if out.Sign() == 0 {
		return Estimate{}, domain.Estimatef(domain.EstimateNoLiquidity, "aggregator quoted zero output")
	}

	return Estimate{
		OutAmount: out,
		Gas:       gasSettlementOverhead + quote.EstimatedGas,
	}, nil
}

// classifyOneInchError turns API failures into typed estimate errors.
// The aggregator reports unroutable swaps as client errors with a
// descriptive message rather than a dedicated status.
func classifyOneInchError(err error) *domain.EstimateError {
	var apiErr *oneinch.APIError
	if !errors.As(err, &apiErr) {
		return &domain.EstimateError{Kind: domain.EstimateProviderError, Message: err.Error(), Err: err}
	}
	desc := strings.ToLower(apiErr.Description)
	switch {
	case strings.Contains(desc, "insufficient liquidity"), strings.Contains(desc, "cannot find a path"):
		return &domain.EstimateError{Kind: domain.EstimateNoLiquidity, Message: apiErr.Description, Err: err}
	case strings.Contains(desc, "not supported token"), strings.Contains(desc, "cannot get token"):
		return &domain.EstimateError{Kind: domain.EstimateUnsupportedToken, Message: apiErr.Description, Err: err}
	case apiErr.HTTPStatus == http.StatusTooManyRequests:
		return &domain.EstimateError{Kind: domain.EstimateTimeout, Message: "aggregator rate limited", Err: err}
	default:
		return &domain.EstimateError{Kind: domain.EstimateProviderError, Message: apiErr.Error(), Err: err}
	}
}

var _ Estimator = (*OneInchSource)(nil)
