// Package observability provides structured logging, metrics, and tracing
// for the session engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Log event names follow the wire taxonomy ("session.state",
// "deep_link.handled", "request.send", ...) so server-side and client-side
// logs correlate.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds session context to a logger.
// Returns a new logger carrying the session_id field.
func EnrichLogger(logger *slog.Logger, sessionID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("session_id", sessionID))
}

// LogStateChange logs a successful session state transition.
func LogStateChange(logger *slog.Logger, sessionID, oldState, newState string) {
	if logger == nil {
		return
	}
	logger.Info("session.state",
		slog.String("session_id", sessionID),
		slog.String("state", newState),
		slog.String("old_state", oldState),
	)
}

// LogSameState logs a self-transition, which is a no-op.
func LogSameState(logger *slog.Logger, sessionID, state string) {
	if logger == nil {
		return
	}
	logger.Info("session.same_state",
		slog.String("session_id", sessionID),
		slog.String("state", state),
	)
}

// LogInvalidTransition logs a rejected state transition.
func LogInvalidTransition(logger *slog.Logger, sessionID, state, newState string) {
	if logger == nil {
		return
	}
	logger.Error("session.invalid_state",
		slog.String("session_id", sessionID),
		slog.String("state", state),
		slog.String("new_state", newState),
	)
}

// LogInvalidValues logs a transition refused for missing required data.
func LogInvalidValues(logger *slog.Logger, sessionID, state, newState string, missing string) {
	if logger == nil {
		return
	}
	logger.Error("session.invalid_values",
		slog.String("session_id", sessionID),
		slog.String("state", state),
		slog.String("new_state", newState),
		slog.String("missing", missing),
	)
}

// LogIdentifyUser logs the start of an identification call.
func LogIdentifyUser(logger *slog.Logger, sessionID, userID string, doNotTrack bool) {
	if logger == nil {
		return
	}
	logger.Info("session.identify_user",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.Bool("do_not_track", doNotTrack),
	)
}

// LogAttribution logs a resolved launch attribution source.
func LogAttribution(logger *slog.Logger, key, value string) {
	if logger == nil {
		return
	}
	logger.Info("session.attribution",
		slog.String(key, value),
	)
}

// LogRequestSend logs a batch leaving the request queue.
func LogRequestSend(logger *slog.Logger, hostname, endpoint string, batchSize int) {
	if logger == nil {
		return
	}
	logger.Debug("request.send",
		slog.String("hostname", hostname),
		slog.String("endpoint", endpoint),
		slog.Int("batch_size", batchSize),
	)
}

// LogRequestRetry logs a payload being rescheduled after a failed send.
func LogRequestRetry(logger *slog.Logger, endpoint, requestID string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("endpoint", endpoint),
		slog.String("request_id", requestID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("request.retry", attrs...)
}

// LogRequestAck logs a payload permanently removed after acknowledgement.
func LogRequestAck(logger *slog.Logger, endpoint, requestID string, status int) {
	if logger == nil {
		return
	}
	logger.Debug("request.ack",
		slog.String("endpoint", endpoint),
		slog.String("request_id", requestID),
		slog.Int("status", status),
	)
}

// LogHeartbeat logs one heartbeat ping (debug only; these fire every
// minute for the life of an identified session).
func LogHeartbeat(logger *slog.Logger, sessionID string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Debug("session.heartbeat",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("session.heartbeat", slog.String("session_id", sessionID))
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
