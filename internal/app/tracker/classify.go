package tracker

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type ErrorType string

const (
	Transient ErrorType = "transient"
	Fatal     ErrorType = "fatal"
)

// ClassifiedError is one entry of the disconnection log.
type ClassifiedError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

var fatalPatterns = []string{
	"unauthorized",
	"forbidden",
	"invalid token",
	"authentication",
	"permission denied",
	"not allowed",
}

var transientPatterns = []string{
	"network",
	"timeout",
	"connection",
	"websocket",
	"econnrefused",
	"enotfound",
	"etimedout",
	"temporary",
	"unavailable",
}

// Classify decides whether a disconnect reason is worth retrying.
// Fatal patterns win over transient ones; unknown reasons are transient.
func Classify(reason string) ErrorType {
	r := strings.ToLower(reason)
	for _, p := range fatalPatterns {
		if strings.Contains(r, p) {
			return Fatal
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(r, p) {
			return Transient
		}
	}
	return Transient
}

func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 4 * time.Second
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// BackoffDelay returns min(1s·2^attempt, 4s) with ±25% jitter.
func BackoffDelay(attempt int) time.Duration {
	// the cap is reached by attempt 2
	attempt = max(0, min(attempt, 8))
	b := newReconnectBackOff()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
