package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
)

const (
	InternalError = "Internal Error"
)

// goSafe runs fn in a goroutine, reporting a panic to Sentry before re-panicking.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentryRecover(r)
				panic(r)
			}
		}()
		fn()
	}()
}

// sentryRecover is a no-op when Sentry isn't initialized.
func sentryRecover(rec interface{}) {
	sentry.CurrentHub().Recover(rec)
}

func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}

// httpStatus maps the error taxonomy onto HTTP status codes for the REST routes.
func httpStatus(kind bundlererr.Kind) int {
	switch kind {
	case bundlererr.KindMalformed, bundlererr.KindFeeTooHigh, bundlererr.KindUnsupportedEntryPoint:
		return http.StatusBadRequest
	case bundlererr.KindDuplicate:
		return http.StatusConflict
	case bundlererr.KindPoolFull, bundlererr.KindSenderLimitExceeded, bundlererr.KindPaymasterLimitExceed:
		return http.StatusTooManyRequests
	case bundlererr.KindValidationFailed, bundlererr.KindEstimation:
		return http.StatusUnprocessableEntity
	case bundlererr.KindNotFound:
		return http.StatusNotFound
	case bundlererr.KindNotEnoughOperations:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type httpError struct {
	Kind    bundlererr.Kind        `json:"kind,omitempty"`
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type HttpErrorResp struct {
	Error httpError `json:"error"`
}

// respondError writes err as a JSON body. Errors outside the taxonomy are
// reported to Sentry and hidden behind InternalError.
func respondError(c echo.Context, err error) error {
	var se *bundlererr.StructuredError
	if errors.As(err, &se) {
		return c.JSON(httpStatus(se.Kind), &HttpErrorResp{Error: httpError{
			Kind:    se.Kind,
			Code:    se.Code,
			Message: se.Message,
			Details: se.Details,
		}})
	}

	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.CaptureException(err)
	}
	return c.JSON(http.StatusInternalServerError, &HttpErrorResp{Error: httpError{
		Code:    bundlererr.CodeInternal,
		Message: InternalError,
	}})
}
