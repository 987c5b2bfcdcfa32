package strava

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrPaginationLimit is returned when the activity listing does not end
	// within the configured number of pages.
	ErrPaginationLimit = errors.New("strava: activity listing exceeded page limit")
	// ErrTokenRefresh wraps failures of the refresh-token exchange.
	ErrTokenRefresh = errors.New("strava: token refresh failed")
)

// APIError is a non-200 answer from the provider that is not throttling.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("strava: %d %s", e.StatusCode, e.Message)
}

type faultBody struct {
	Message string `json:"message"`
	Errors  []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
	} `json:"errors"`
}

func newAPIError(status int, body []byte) *APIError {
	message := http.StatusText(status)
	var fault faultBody
	if err := json.Unmarshal(body, &fault); err == nil && fault.Message != "" {
		message = fault.Message
		details := make([]string, 0, len(fault.Errors))
		for _, item := range fault.Errors {
			details = append(details, strings.Trim(item.Resource+" "+item.Field+" "+item.Code, " "))
		}
		if len(details) > 0 {
			message += " (" + strings.Join(details, "; ") + ")"
		}
	}
	return &APIError{StatusCode: status, Message: message}
}
