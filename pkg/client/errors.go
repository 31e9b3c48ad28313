package client

import (
	"errors"
	"net/http"
)

// HeaderCaptchaSiteKey carries the site key of a captcha challenge.
const HeaderCaptchaSiteKey = "X-Captcha-Sitekey"

// ErrRetryExhausted is returned when transport errors outlast the retry budget.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrorClass represents a classification of HTTP responses.
type ErrorClass string

const (
	// ErrorClassNone marks responses the pipeline hands back as they are.
	ErrorClassNone ErrorClass = ""

	// ErrorClassAuth represents a 401 from the API.
	ErrorClassAuth ErrorClass = "unauthorized"

	// ErrorClassCaptcha represents a 403/412 carrying a captcha site key.
	ErrorClassCaptcha ErrorClass = "captcha"

	// ErrorClassRateLimit represents a 429 from the API.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// classify maps a response to the pipeline's reaction. Auth, captcha and 429 handling only
// applies to API responses; 5xx are retried for any host.
func classify(resp *Response, internal bool) ErrorClass {
	if internal {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return ErrorClassAuth
		case http.StatusForbidden, http.StatusPreconditionFailed:
			if resp.Header.Get(HeaderCaptchaSiteKey) != "" {
				return ErrorClassCaptcha
			}
		case http.StatusTooManyRequests:
			return ErrorClassRateLimit
		}
	}

	if resp.StatusCode >= 500 && resp.StatusCode < 600 {
		return ErrorClassServer
	}
	return ErrorClassNone
}
