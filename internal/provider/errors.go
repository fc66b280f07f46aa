package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
)

var (
	// ErrConfiguration marks a configuration that failed validation or its
	// connectivity probe.
	ErrConfiguration = errors.New("invalid provider configuration")

	// ErrNotConfigured is returned by calls made before a successful Configure.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrUpstream matches every *UpstreamError.
	ErrUpstream = errors.New("upstream request failed")

	// ErrMalformedResponse is returned when a successful response lacks the
	// completion text.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrUnknownProvider is returned by the registry for ids it does not hold.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Network error codes carried by UpstreamError.Code.
const (
	CodeConnRefused = "ECONNREFUSED"
	CodeNotFound    = "ENOTFOUND"
	CodeTimeout     = "ETIMEDOUT"
	CodeCanceled    = "ECANCELED"
	CodeNetwork     = "ENETWORK"
)

// ConfigError describes why a configuration was rejected.
type ConfigError struct {
	Provider string
	Field    string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := e.Provider + ": "
	if e.Field != "" {
		msg += e.Field + " "
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfiguration, e.Err}
	}
	return []error{ErrConfiguration}
}

func missing(provider, field string) error {
	return &ConfigError{Provider: provider, Field: field, Reason: "is required"}
}

// UpstreamError is a transport or HTTP failure from a provider backend.
type UpstreamError struct {
	Provider string
	Status   int
	Code     string
	Message  string
	Err      error
}

func (e *UpstreamError) Error() string {
	prefix := e.Provider + ": "
	switch e.Code {
	case CodeConnRefused:
		return prefix + "cannot connect to server, make sure it is running"
	case CodeNotFound:
		return prefix + "server host not found, check the URL"
	case CodeTimeout:
		return prefix + "request timed out"
	case CodeCanceled:
		return prefix + "request canceled"
	}
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return prefix + "invalid API key or access denied"
	case e.Status == http.StatusTooManyRequests:
		return prefix + "rate limit exceeded, try again later"
	case e.Status == http.StatusBadRequest:
		if e.Message != "" {
			return prefix + "bad request: " + e.Message
		}
		return prefix + "bad request"
	case e.Status == http.StatusNotFound:
		return prefix + "endpoint or model not found"
	case e.Status >= 500:
		return fmt.Sprintf("%sserver error (%d)", prefix, e.Status)
	case e.Status != 0:
		if e.Message != "" {
			return fmt.Sprintf("%sunexpected status %d: %s", prefix, e.Status, e.Message)
		}
		return fmt.Sprintf("%sunexpected status %d", prefix, e.Status)
	}
	if e.Err != nil {
		return prefix + e.Err.Error()
	}
	return prefix + "request failed"
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// transportError classifies a failed round trip.
func transportError(provider string, err error) *UpstreamError {
	// url.Error repeats the request URL, which may carry an API key.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	return &UpstreamError{Provider: provider, Code: networkCode(err), Err: err}
}

func networkCode(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.As(err, &dnsErr):
		return CodeNotFound
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	}
	return CodeNetwork
}

// statusError builds the error for a non-2xx response, keeping any message
// the upstream put in its error body.
func statusError(provider string, status int, body []byte) *UpstreamError {
	return &UpstreamError{Provider: provider, Status: status, Message: upstreamMessage(body)}
}
