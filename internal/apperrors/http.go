package apperrors

import (
	"errors"
	"net/http"
)

// statusBySentinel is checked in order; unclassified errors map to 500.
var statusBySentinel = []struct {
	sentinel error
	code     int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUpstream, http.StatusBadGateway},
}

// HTTPStatus maps an error to the status returned to the caller. An upstream
// failure becomes 502 so a redelivering caller (the delay queue) retries.
func HTTPStatus(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.code
		}
	}
	return http.StatusInternalServerError
}

// PublicMessage is the error text safe to send to a caller. Client errors keep
// their message. An upstream failure names only the failing operation; any
// other server error is reduced to its status text.
func PublicMessage(err error) string {
	code := HTTPStatus(err)
	if code < http.StatusInternalServerError {
		return err.Error()
	}
	var appErr *Error
	if code == http.StatusBadGateway && errors.As(err, &appErr) && appErr.Op != "" {
		return appErr.Op + " failed"
	}
	return http.StatusText(code)
}
