package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hammer/bidding"
)

// retryAfterSeconds 回應 Busy 時建議的重試秒數
const retryAfterSeconds = 1

type ErrorResponse struct {
	Reason       string `json:"reason"`
	Message      string `json:"message,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Rejected     bool   `json:"rejected,omitempty"`
	CurrentPrice *int64 `json:"currentPrice,omitempty"`
}

func statusOf(err error) int {
	var limitErr *ReachLimitError
	switch {
	case errors.As(err, &limitErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, bidding.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bidding.ErrAuctionEnded):
		return http.StatusGone
	case errors.Is(err, bidding.ErrInvalidAmount), errors.Is(err, bidding.ErrInvalidListing):
		return http.StatusBadRequest
	case errors.Is(err, bidding.ErrPriceTooLow), errors.Is(err, bidding.ErrHasBids):
		return http.StatusConflict
	case errors.Is(err, bidding.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, bidding.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, bidding.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var publicErrors = []error{
	bidding.ErrNotFound,
	bidding.ErrAuctionEnded,
	bidding.ErrInvalidAmount,
	bidding.ErrPriceTooLow,
	bidding.ErrUnauthenticated,
	bidding.ErrForbidden,
	bidding.ErrBusy,
	bidding.ErrHasBids,
	bidding.ErrInvalidListing,
}

// publicMessage 只回傳錯誤分類的說明，不帶出內部細節
func publicMessage(err error) string {
	if errors.Is(err, bidding.ErrInvalidListing) {
		return err.Error()
	}
	for _, target := range publicErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}

// abortWithError 將操作的錯誤轉成對應的狀態碼和回應內容
func abortWithError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusOf(err)
	var limitErr *ReachLimitError
	if errors.As(err, &limitErr) {
		c.AbortWithStatusJSON(status, ErrorResponse{Reason: "payload_too_large", Message: limitErr.Error()})
		return
	}

	response := ErrorResponse{Reason: bidding.ReasonCode(err)}

	var rejection *bidding.Rejection
	if errors.As(err, &rejection) {
		response.Rejected = true
		response.CurrentPrice = &rejection.CurrentPrice
	}
	switch {
	case errors.Is(err, bidding.ErrBusy):
		response.Retryable = true
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	case errors.Is(err, bidding.ErrStorageFailure):
		response.Retryable = true
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	} else {
		response.Message = publicMessage(err)
	}
	c.AbortWithStatusJSON(status, response)
}
