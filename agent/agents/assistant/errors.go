package assistant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
)

var transientMarkers = []string{
	"429",
	"rate limit",
	"too many requests",
	"status code: 5",
	"502 bad gateway",
	"503 service unavailable",
	"504 gateway timeout",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"unexpected eof",
}

// classifyModelError wraps err as a TransientError when the failure is worth retrying,
// otherwise as ErrModelInvoke.
func classifyModelError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			var retryAfter time.Duration
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &contractx.TransientError{RetryAfter: retryAfter, Err: err}
		}
		return fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &contractx.TransientError{Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return &contractx.TransientError{Err: err}
		}
	}
	return fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
