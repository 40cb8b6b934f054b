package lifecycle

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultErrorInterval = 5 * time.Second
)

// PollPolicy is the two-tier reschedule policy for the watch loop. Delays
// are measured from the completion of the previous poll.
type PollPolicy struct {
	Interval      time.Duration `json:"interval"`
	ErrorInterval time.Duration `json:"error_interval"`
}

// DefaultPollPolicy returns 2s after a non-terminal status, 5s after a failed poll.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: DefaultPollInterval, ErrorInterval: DefaultErrorInterval}
}

// withDefaults fills unset fields.
func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.ErrorInterval <= 0 {
		p.ErrorInterval = DefaultErrorInterval
	}
	return p
}

// NextDelay returns the wait before the next poll given the outcome of the
// last one.
func (p PollPolicy) NextDelay(err error) time.Duration {
	p = p.withDefaults()
	if err != nil {
		return p.ErrorInterval
	}
	return p.Interval
}

// IsTransientError classifies a poll failure. Transient: network errors,
// timeouts, 5xx, 408 and 429. Permanent: other 4xx, malformed responses and
// cancellation. The watch loop retries both; the distinction is reported.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var we *schema.WikiError
	if errors.As(err, &we) {
		switch we.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNotFound:
			return false
		case schema.ErrCodeTransport:
			if code, ok := we.Details["status_code"].(int); ok {
				return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
			}
			if we.Cause != nil && we.Cause != err {
				return IsTransientError(we.Cause)
			}
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"no such host",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
