// Package handler implements the order book HTTP endpoints. Each handler
// declares the narrow service interface it consumes; wiring happens in
// internal/app.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// maxBodyBytes caps JSON request bodies. Orders and quote requests are
// small; anything bigger is garbage or abuse.
const maxBodyBytes = 16 << 10

// errorBody is the uniform error response shape.
type errorBody struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"errorType":"InternalError","description":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends the uniform {errorType, description} error body.
func writeError(w http.ResponseWriter, status int, errorType, description string) {
	writeJSON(w, status, errorBody{ErrorType: errorType, Description: description})
}

// writeDomainError maps a service-layer error onto an HTTP response.
// Typed validation and estimate errors carry their own errorType; anything
// unrecognized is logged and reported as a 500 without leaking internals.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, string(verr.Kind), verr.Description)
		return
	}

	var eerr *domain.EstimateError
	if errors.As(err, &eerr) {
		switch eerr.Kind {
		case domain.EstimateNoLiquidity:
			writeError(w, http.StatusNotFound, string(eerr.Kind), "no liquidity for this token pair")
		case domain.EstimateUnsupportedToken, domain.EstimateZeroAmount, domain.EstimateUnsupportedOrderType:
			writeError(w, http.StatusBadRequest, string(eerr.Kind), eerr.Message)
		default:
			logger.ErrorContext(r.Context(), "estimate failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "InternalError", "price estimation failed")
		}
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "resource not found")
	case errors.Is(err, domain.ErrDenyListed):
		writeError(w, http.StatusForbidden, "Forbidden", "account is deny-listed")
	case errors.Is(err, domain.ErrDuplicateOrder):
		writeError(w, http.StatusBadRequest, "DuplicateOrder", "order with this uid already exists")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "RateLimited", "too many requests")
	default:
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
	}
}

// decodeJSON reads a size-capped JSON body into v. A body exceeding the
// cap or malformed JSON yields an error suitable for a 400 response.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseUid parses a 0x-hex 56-byte order uid path parameter.
func parseUid(r *http.Request, name string) (domain.OrderUid, error) {
	return domain.ParseUid(r.PathValue(name))
}

// parseAddress parses a 0x-hex address from the given string.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address", s)
	}
	return common.HexToAddress(s), nil
}

// parsePaging extracts offset/limit query parameters with the listing
// bounds: offset >= 0, 1 <= limit <= 1000, default limit 10.
func parsePaging(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()

	limit = 10
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			return 0, 0, fmt.Errorf("limit must be an integer in [1, 1000]")
		}
	}

	offset = 0
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a nonnegative integer")
		}
	}

	return offset, limit, nil
}
