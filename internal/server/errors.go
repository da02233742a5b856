package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	disputedomain "github.com/smallbiznis/ptmeter/internal/dispute/domain"
	estimatordomain "github.com/smallbiznis/ptmeter/internal/estimator/domain"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	reconciliationdomain "github.com/smallbiznis/ptmeter/internal/reconciliation/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, disputedomain.ErrEntryNotOwned):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient balance",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "request blocked by admission control",
		}
	case errors.Is(err, disputedomain.ErrAlreadyDisputed),
		errors.Is(err, disputedomain.ErrAlreadyResolved):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, accountdomain.ErrInvalidUser),
		errors.Is(err, accountdomain.ErrInvalidTier),
		errors.Is(err, admissiondomain.ErrInvalidUser),
		errors.Is(err, ledgerdomain.ErrInvalidUser),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidSource),
		errors.Is(err, estimatordomain.ErrNegativeTokens),
		errors.Is(err, pricingdomain.ErrInvalidModel),
		errors.Is(err, pricingdomain.ErrInvalidCostClass),
		errors.Is(err, pricingdomain.ErrInvalidUnitPrice),
		errors.Is(err, reconciliationdomain.ErrInvalidUser),
		errors.Is(err, reconciliationdomain.ErrInvalidAmount),
		errors.Is(err, reconciliationdomain.ErrInvalidInterval),
		errors.Is(err, disputedomain.ErrInvalidUser),
		errors.Is(err, disputedomain.ErrInvalidEntry),
		errors.Is(err, disputedomain.ErrInvalidType),
		errors.Is(err, disputedomain.ErrInvalidDecision),
		errors.Is(err, disputedomain.ErrInvalidRefund),
		errors.Is(err, disputedomain.ErrNotDisputable):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, ledgerdomain.ErrEntryNotFound),
		errors.Is(err, reconciliationdomain.ErrRecordNotFound),
		errors.Is(err, disputedomain.ErrDisputeNotFound):
		return true
	default:
		return false
	}
}
