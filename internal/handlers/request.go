package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

const maxJSONBodySize = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxJSONBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads and decodes the request body, writing the failure response itself.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxJSONBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// money renders decimals as bare JSON numbers with two fractional digits.
type money decimal.Decimal

func (m money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(m).StringFixed(2)), nil
}

// writeServiceError maps the checkout error taxonomy onto the failure envelope.
// Persistence and unknown errors are logged in full and reported generically.
func writeServiceError(ctx context.Context, w http.ResponseWriter, log func(ctx context.Context, event string, fields map[string]any), err error) {
	if err == nil {
		return
	}

	var (
		validation   *services.ValidationError
		stock        *services.InsufficientStockError
		price        *services.PriceMismatchError
		notFound     *services.NotFoundError
		transition   *services.TransitionError
		errorDetails map[string]any
	)

	switch {
	case errors.As(err, &validation):
		if validation.Field != "" {
			errorDetails = map[string]any{"field": validation.Field}
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest).WithDetails(errorDetails))
	case errors.As(err, &notFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.As(err, &price):
		errorDetails = map[string]any{"product_id": price.ProductID}
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", err.Error(), http.StatusBadRequest).WithDetails(errorDetails))
	case errors.As(err, &stock):
		errorDetails = map[string]any{"product_id": stock.ProductID, "available": stock.Available, "requested": stock.Requested}
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict).WithDetails(errorDetails))
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusBadRequest))
	case errors.Is(err, context.DeadlineExceeded):
		if log != nil {
			log(ctx, "http.request.timeout", map[string]any{"error": err.Error()})
		}
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusServiceUnavailable))
	default:
		if log != nil {
			log(ctx, "http.request.failed", map[string]any{"error": err.Error()})
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "An unexpected error occurred. Please try again later.", http.StatusInternalServerError))
	}
}
