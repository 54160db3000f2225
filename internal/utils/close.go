package utils

import (
	"io"

	"github.com/burrowd/burrow/internal/logger"
)

// Close closes c and ignores any error.
// Use for best-effort cleanup in defer where error handling is not critical.
func Close(c io.Closer) {
	_ = c.Close()
}

// CloseWithLog closes c and logs any error.
// Use for defer statements where we want to track close errors.
func CloseWithLog(c io.Closer, log logger.Logger) {
	if err := c.Close(); err != nil {
		log.Warn("failed to close", logger.Error(err))
	}
}
