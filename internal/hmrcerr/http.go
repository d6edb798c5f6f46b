package hmrcerr

import "net/http"

// HTTPStatus maps a classified error to the status the API surface returns.
// Unclassified errors map to 500.
func HTTPStatus(err error) int {
	e := As(err)
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindAuth:
		switch e.Code {
		case CodeStateMismatch, CodeInvalidOrExpiredRequest:
			return http.StatusBadRequest
		case CodeNotConnected:
			return http.StatusUnauthorized
		default:
			return http.StatusBadGateway
		}
	case KindToken:
		return http.StatusUnauthorized
	case KindHeader:
		return http.StatusUnprocessableEntity
	case KindSubmission:
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case CodeForbidden:
			return http.StatusForbidden
		case CodeInvalidState, CodeValidationFailed:
			return http.StatusConflict
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}
