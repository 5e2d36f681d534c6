package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/contextkeys"
)

const (
	// FormatJSON emits one JSON object per line
	FormatJSON = "json"
	// FormatText emits logfmt-style lines
	FormatText = "text"
)

// NewLogger creates a logrus logger writing to output at the given level.
// A nil output writes to stdout.
func NewLogger(level, format string, output io.Writer) (*logrus.Logger, error) {
	if output == nil {
		output = os.Stdout
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(lvl)

	switch format {
	case FormatJSON, "":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return logger, nil
}

// FromContext returns the request-scoped logger stored by the request ID
// middleware, or fallback when the request carries none.
func FromContext(ctx context.Context, fallback logrus.FieldLogger) logrus.FieldLogger {
	if logger, ok := ctx.Value(contextkeys.LoggerKey).(logrus.FieldLogger); ok {
		return logger
	}
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		return fallback.WithField("request_id", requestID)
	}
	return fallback
}
