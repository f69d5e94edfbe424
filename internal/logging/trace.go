package logging

import (
	"fmt"
	"time"
)

// DebugStart logs the start of a job stage and returns a function that logs
// its outcome together with the elapsed time.
func DebugStart(logger *Logger, operation string, format string, args ...interface{}) func(error) {
	if logger == nil {
		return func(error) {}
	}

	if format != "" {
		logger.Debug("Start %s: %s", operation, fmt.Sprintf(format, args...))
	} else {
		logger.Debug("Start %s", operation)
	}

	started := time.Now()
	return func(err error) {
		elapsed := time.Since(started).Round(time.Millisecond)
		if err != nil {
			logger.Debug("End %s (error=%v, duration=%s)", operation, err, elapsed)
			return
		}
		logger.Debug("End %s (ok, duration=%s)", operation, elapsed)
	}
}
