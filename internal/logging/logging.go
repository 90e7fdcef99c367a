// Package logging owns the process-wide zerolog logger and the per-update
// context fields (request ID, chat, user) attached to every log line.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	chatKey
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
	FilePath  string // optional log file path, appended to
}

var (
	mu         sync.Mutex
	fileCloser io.Closer

	defaultTimeFmt = time.RFC3339
)

var (
	isTerminalFn = term.IsTerminal
	openFileFn   = os.OpenFile
	mkdirAllFn   = os.MkdirAll
)

func init() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init replaces the global logger. A log file that cannot be opened is
// reported on stderr and logging continues without it.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := selectWriter(cfg.Format)
	file, err := openLogFile(cfg.FilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
	}
	if file != nil {
		writer = io.MultiWriter(writer, file)
	}

	builder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}
	log.Logger = builder.Logger()

	closeFile()
	if file != nil {
		fileCloser = file
	}
	return log.Logger
}

// SetLevel changes the global level without rebuilding writers.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// Shutdown closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	closeFile()
}

func closeFile() {
	if fileCloser == nil {
		return
	}
	if err := fileCloser.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "logging: unable to close log file: %v\n", err)
	}
	fileCloser = nil
}

// WithRequestID stores requestID on ctx, generating one when it is blank.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID), requestID
}

// RequestID returns the request ID stored on ctx, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type chatFields struct {
	chatID int64
	userID int64
}

// WithChat tags ctx with the conversation being served.
func WithChat(ctx context.Context, chatID, userID int64) context.Context {
	return context.WithValue(ctx, chatKey, chatFields{chatID: chatID, userID: userID})
}

// FromContext returns the global logger carrying the request ID and chat
// fields found on ctx.
func FromContext(ctx context.Context) *zerolog.Logger {
	logger := log.Logger
	if ctx == nil {
		return &logger
	}

	builder := logger.With()
	if id := RequestID(ctx); id != "" {
		builder = builder.Str("request_id", id)
	}
	if chat, ok := ctx.Value(chatKey).(chatFields); ok {
		builder = builder.Int64("chat_id", chat.chatID).Int64("user_id", chat.userID)
	}
	logger = builder.Logger()
	return &logger
}

// parseLevel is zerolog.ParseLevel with an info default and a "warning"
// alias.
func parseLevel(level string) zerolog.Level {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	}
	parsed, err := zerolog.ParseLevel(normalized)
	if err != nil || parsed == zerolog.NoLevel {
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using info\n", normalized)
		return zerolog.InfoLevel
	}
	return parsed
}

// selectWriter picks stderr as JSON or as a console writer. "auto" uses the
// console writer only on a terminal.
func selectWriter(format string) io.Writer {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: defaultTimeFmt}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return console
	case "json":
		return os.Stderr
	case "", "auto":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return console
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using json\n", format)
		return os.Stderr
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)
	if err := mkdirAllFn(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := openFileFn(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, nil
}
