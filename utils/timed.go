package utils

import (
	"time"
)

// Timed runs f and returns how long it took along with the error it returned
func Timed(f func() error) (time.Duration, error) {
	start := time.Now()

	err := f()

	return time.Since(start), err
}
