package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NopLogger discards everything. Used by tests and library callers that
// do not configure logging.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// SetLevel sets the minimum level from its name ("debug", "info", ...).
// Unknown names leave the level unchanged.
func (l *Logger) SetLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return l
	}
	return &Logger{logger: l.logger.Level(lvl)}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithBlob adds blob context to logger.
func (l *Logger) WithBlob(hash string, size uint64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("blob", hash).
			Uint64("blob_size", size).
			Logger(),
	}
}

// With adds a single string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{logger: l.logger.With().Str(key, value).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// SessionStarted logs the start of a transfer session.
func (l *Logger) SessionStarted(sessionID, role, hash string, wanted string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("role", role).
		Str("blob", hash).
		Str("wanted", wanted).
		Msg("transfer session started")
}

// ChunkVerified logs a chunk that passed verification.
func (l *Logger) ChunkVerified(sessionID string, chunkIndex uint64, chunkSize int, proofLen int) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Uint64("chunk_index", chunkIndex).
		Int("chunk_size", chunkSize).
		Int("proof_len", proofLen).
		Msg("chunk verified")
}

// ChunkSent logs a chunk written to the stream.
func (l *Logger) ChunkSent(sessionID string, chunkIndex uint64, wireSize int, encoding string) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Uint64("chunk_index", chunkIndex).
		Int("wire_size", wireSize).
		Str("encoding", encoding).
		Msg("chunk sent")
}

// ChunkRejected logs a chunk that failed verification.
func (l *Logger) ChunkRejected(sessionID string, chunkIndex uint64, err error) {
	l.logger.Warn().
		Str("session_id", sessionID).
		Uint64("chunk_index", chunkIndex).
		Err(err).
		Msg("chunk rejected")
}

// SessionFinished logs the terminal state of a session.
func (l *Logger) SessionFinished(sessionID, state string, committed string, bytes uint64, duration time.Duration, err error) {
	ev := l.logger.Info()
	if err != nil {
		ev = l.logger.Warn().Err(err)
	}
	ev.Str("session_id", sessionID).
		Str("state", state).
		Str("committed", committed).
		Uint64("bytes", bytes).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer session finished")
}

// CollectionResolved logs the outcome of resolving a collection.
func (l *Logger) CollectionResolved(hash string, entries, failed int, duration time.Duration) {
	l.logger.Info().
		Str("collection", hash).
		Int("entries", entries).
		Int("failed", failed).
		Float64("duration_seconds", duration.Seconds()).
		Msg("collection resolved")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, peerID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("peer_id", peerID).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// StoreRecovered logs the crash-recovery result for one partial blob.
func (l *Logger) StoreRecovered(hash string, kept, discarded uint64) {
	l.logger.Info().
		Str("blob", hash).
		Uint64("kept_bytes", kept).
		Uint64("discarded_bytes", discarded).
		Msg("partial blob re-verified")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
