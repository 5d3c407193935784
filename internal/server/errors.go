package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	disputedomain "github.com/smallbiznis/tally/internal/payment/dispute/domain"
	paymentdomain "github.com/smallbiznis/tally/internal/payment/domain"
)

// apiError is the wire shape of every non-2xx response.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *apiError) Error() string { return e.Code }

func invalidRequestError() *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Message: "request body could not be parsed",
	}
}

func notFoundError() *apiError {
	return &apiError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: "resource not found",
	}
}

func rateLimitedError() *apiError {
	return &apiError{
		Status:  http.StatusTooManyRequests,
		Code:    "rate_limited",
		Message: "too many requests",
	}
}

func newValidationError(field, code, message string) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    code,
		Message: message,
		Field:   field,
	}
}

var notFoundErrors = []error{
	accountdomain.ErrAccountNotFound,
	invoicedomain.ErrAccountNotFound,
	invoicedomain.ErrInvoiceNotFound,
	invoicedomain.ErrItemNotFound,
	paymentdomain.ErrPaymentNotFound,
	paymentdomain.ErrTransactionNotFound,
	paymentdomain.ErrChargebackNotFound,
	disputedomain.ErrDisputeNotFound,
	disputedomain.ErrUnknownProvider,
}

var conflictErrors = []error{
	accountdomain.ErrDuplicateKey,
	invoicedomain.ErrAccountParked,
	invoicedomain.ErrInvoiceNotDraft,
	invoicedomain.ErrInvoiceNotCommitted,
	invoicedomain.ErrTooManyRepairs,
	paymentdomain.ErrPaymentInFlight,
	paymentdomain.ErrAlreadyResolved,
	paymentdomain.ErrTransactionNotPending,
	paymentdomain.ErrPaymentDelegated,
}

var unprocessableErrors = []error{
	invoicedomain.ErrItemNotAdjustable,
	invoicedomain.ErrAdjustmentExceedsItem,
	invoicedomain.ErrCurrencyMismatch,
	invoicedomain.ErrNoCreditToTransfer,
	invoicedomain.ErrNotChildAccount,
	paymentdomain.ErrNothingToPay,
	paymentdomain.ErrNoChargeableSuccess,
	entitlementdomain.ErrEventOutOfOrder,
}

var badRequestErrors = []error{
	accountdomain.ErrInvalidAccount,
	invoicedomain.ErrInvalidAccount,
	invoicedomain.ErrInvalidTargetDate,
	paymentdomain.ErrInvalidStatus,
	paymentdomain.ErrInvalidTransactionType,
	paymentdomain.ErrInvalidAmount,
	entitlementdomain.ErrInvalidAccount,
	entitlementdomain.ErrInvalidSubscription,
	entitlementdomain.ErrInvalidEventType,
	entitlementdomain.ErrInvalidEffectiveAt,
	entitlementdomain.ErrMissingPlanCode,
	disputedomain.ErrMalformedEvent,
	disputedomain.ErrUnknownEventType,
}

func statusForError(err error) int {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return http.StatusConflict
		}
	}
	for _, target := range unprocessableErrors {
		if errors.Is(err, target) {
			return http.StatusUnprocessableEntity
		}
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	if errors.Is(err, paymentdomain.ErrProcessorUnavailable) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// AbortWithError writes the JSON error envelope for err and aborts the
// request. Domain sentinels map onto stable HTTP statuses; everything
// else is a 500 with the cause hidden from the client.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	status := statusForError(err)
	body := &apiError{Status: status, Code: err.Error(), Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Code = "internal_error"
		body.Message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}
