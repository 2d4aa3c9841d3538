// Shared Utilities

package utils

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID Generation Utilities
func GenerateID() string {
	return uuid.New().String()
}

func Contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func RemoveDuplicates(slice []string) []string {
	seen := make(map[string]struct{}, len(slice))
	result := make([]string, 0, len(slice))
	for _, s := range slice {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		result = append(result, s)
	}
	return result
}

// Percent returns round(part/total*100), or 100 when total is zero.
func Percent(part, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}

func ClampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func RoundToDecimals(f float64, decimals int) float64 {
	multiplier := math.Pow(10, float64(decimals))
	return math.Round(f*multiplier) / multiplier
}

// Time Utilities
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func TimePtr(t time.Time) *time.Time {
	return &t
}

// AbsMinutes returns |a-b| in minutes.
func AbsMinutes(a, b time.Time) float64 {
	return math.Abs(a.Sub(b).Minutes())
}

// Error Utilities
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	var messages []string
	for _, err := range m.Errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ErrorOrNil returns nil when nothing was collected.
func (m *MultiError) ErrorOrNil() error {
	if m.HasErrors() {
		return m
	}
	return nil
}

func NewMultiError() *MultiError {
	return &MultiError{Errors: make([]error, 0)}
}

// Retry Utilities
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Backoff     func(attempt int, delay time.Duration) time.Duration
	// Retryable decides whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
}

// ExponentialBackoff doubles delay for every attempt after the first.
func ExponentialBackoff(attempt int, delay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return delay * time.Duration(1<<uint(attempt-1))
}

// BackoffDelay applies the config's backoff and cap for the given attempt.
func (c RetryConfig) BackoffDelay(attempt int) time.Duration {
	backoff := c.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff
	}
	d := backoff(attempt, c.Delay)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, attempts run out, the error is not
// retryable or ctx is done.
func Retry(ctx context.Context, fn func() error, config RetryConfig) error {
	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if config.Retryable != nil && !config.Retryable(err) {
			return err
		}

		if attempt < config.MaxAttempts {
			timer := time.NewTimer(config.BackoffDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, lastErr)
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// Geographic Utilities
const earthRadiusMeters = 6371000.0

// DistanceMeters is the haversine great-circle distance between two points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

func BuildCacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}
