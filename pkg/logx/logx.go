// Package logx provides component-scoped logging with domain-filtered debug output.
// Records are emitted through zerolog; callers use printf-style helpers.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes records tagged with a component (agent) identifier and optional fields.
type Logger struct {
	agentID string
	fields  map[string]any
}

// Level names accepted by SetLevel and LOG_LEVEL.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil = all domains
}

type agentIDKey struct{}

//nolint:gochecknoglobals // process-wide sink shared by all loggers
var (
	sinkMu sync.RWMutex
	sink   zerolog.Logger

	debugMu     sync.RWMutex
	debugConfig = &DebugConfig{}
)

func init() { //nolint:gochecknoinits // env-driven defaults
	configureFromEnv()
}

func configureFromEnv() {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}

	debugMu.Lock()
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
		level = zerolog.DebugLevel
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
	debugMu.Unlock()

	sinkMu.Lock()
	sink = zerolog.New(out).Level(level).With().Timestamp().Logger()
	sinkMu.Unlock()
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			set[d] = true
		}
	}
	return set
}

// SetOutput redirects all loggers to w using JSON encoding. Tests use it to capture records.
func SetOutput(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = zerolog.New(w).Level(sink.GetLevel()).With().Timestamp().Logger()
}

// SetLevel changes the minimum level for every logger.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	sinkMu.Lock()
	sink = sink.Level(lvl)
	sinkMu.Unlock()
	return nil
}

// SetDebugConfig toggles debug logging globally.
func SetDebugConfig(enabled bool) {
	debugMu.Lock()
	debugConfig.Enabled = enabled
	debugMu.Unlock()

	if enabled {
		sinkMu.Lock()
		sink = sink.Level(zerolog.DebugLevel)
		sinkMu.Unlock()
	}
}

// SetDebugDomains restricts domain debug output. An empty list enables all domains.
func SetDebugDomains(domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// NewLogger creates a logger for the given component.
func NewLogger(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

// GetAgentID returns the component identifier.
func (l *Logger) GetAgentID() string {
	return l.agentID
}

// WithAgentID returns a copy of the logger with a different component identifier.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{agentID: agentID, fields: l.fields}
}

// With returns a child logger that adds key=value to every record.
func (l *Logger) With(key string, value any) *Logger {
	fields := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{agentID: l.agentID, fields: fields}
}

func (l *Logger) event(level zerolog.Level) *zerolog.Event {
	sinkMu.RLock()
	zl := sink
	sinkMu.RUnlock()

	ev := zl.WithLevel(level)
	if !ev.Enabled() {
		return nil
	}
	ev = ev.Str("component", l.agentID)
	if len(l.fields) > 0 {
		ev = ev.Fields(l.fields)
	}
	return ev
}

func (l *Logger) log(level zerolog.Level, format string, args ...any) {
	if ev := l.event(level); ev != nil {
		ev.Msgf(format, args...)
	}
}

// Debug logs when debug logging is enabled.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(zerolog.DebugLevel, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(zerolog.InfoLevel, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(zerolog.WarnLevel, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(zerolog.ErrorLevel, format, args...)
}

// DebugState logs a state machine transition.
func (l *Logger) DebugState(action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = " - " + extra[0]
	}
	l.Debug("State %s: %s%s", action, state, extraInfo)
}

// ContextWithAgentID stores the component identifier used by the context-aware helpers.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFromContext returns the identifier stored by ContextWithAgentID, or "unknown".
func AgentIDFromContext(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(agentIDKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

// Debug logs a domain-scoped debug message.
//
// Environment variable control:
//
//	DEBUG=1                             # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=orchestrator  # Enable debug only for one domain
//	DEBUG=1 DEBUG_DOMAINS=policy,tools  # Enable debug for several domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	logger := NewLogger(AgentIDFromContext(ctx)).With("domain", domain)
	logger.log(zerolog.DebugLevel, format, args...)
}

//nolint:gochecknoglobals // convenience logger for package-level helpers
var defaultLogger = NewLogger("system")

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return logx.Wrap(err, "db connect") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
