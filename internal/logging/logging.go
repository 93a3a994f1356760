// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	JSON       bool // console output as JSON lines instead of the pretty writer
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "options-risk-engine", "logs", "riskd.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, consoleWriter(os.Stdout))
		}
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		FormatLevel: func(i interface{}) string {
			ll, ok := i.(string)
			if !ok {
				return "???"
			}
			switch ll {
			case "debug":
				return "\033[36mDBG\033[0m"
			case "info":
				return "\033[32mINF\033[0m"
			case "warn":
				return "\033[33mWRN\033[0m"
			case "error":
				return "\033[31mERR\033[0m"
			case "fatal", "panic":
				return "\033[1;31mFTL\033[0m"
			default:
				return ll
			}
		},
	}
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithPosition adds position identity fields to the logger context.
func WithPosition(logger zerolog.Logger, segment, securityID, orderNo string) zerolog.Logger {
	return logger.With().
		Str("segment", segment).
		Str("security_id", securityID).
		Str("order_no", orderNo).
		Logger()
}

// WithRule adds a rule name to the logger context.
func WithRule(logger zerolog.Logger, rule string) zerolog.Logger {
	return logger.With().Str("rule", rule).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// ExitEvent is the structured record of one exit attempt.
type ExitEvent struct {
	OrderNo        string
	Symbol         string
	Reason         string
	Outcome        string
	IdempotencyKey string
	ExitPrice      string
	Err            error
}

// LogExit logs an exit attempt.
func LogExit(logger zerolog.Logger, ev ExitEvent) {
	event := logger.Info()
	if ev.Err != nil {
		event = logger.Warn().Err(ev.Err)
	}
	event.
		Str("event", "exit").
		Str("order_no", ev.OrderNo).
		Str("symbol", ev.Symbol).
		Str("reason", ev.Reason).
		Str("outcome", ev.Outcome).
		Str("idempotency_key", ev.IdempotencyKey).
		Str("exit_price", ev.ExitPrice).
		Msg("Exit attempt")
}

// LogRuleVerdict logs a rule engine decision for a position.
func LogRuleVerdict(logger zerolog.Logger, orderNo, verdict, reason string, took time.Duration) {
	logger.Debug().
		Str("event", "rule").
		Str("order_no", orderNo).
		Str("verdict", verdict).
		Str("reason", reason).
		Dur("took", took).
		Msg("Rule evaluation")
}
