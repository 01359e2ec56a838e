package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "FASTCGI_LOG_LEVEL"
	EnvLogTimestamp = "FASTCGI_LOG_TIMESTAMP"
	EnvLogNoColor   = "FASTCGI_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the process-wide zerolog logger exactly once. Later
// calls, including ones with a different profile, are no-ops.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		level, timestamp := defaults(profile)
		noColor := false
		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}
		if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
			timestamp = v
		}
		if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
			noColor = v
		}

		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    noColor,
		}
		ctx := zerolog.New(output).Level(level).With()
		if timestamp {
			ctx = ctx.Timestamp()
		}
		log.Logger = ctx.Logger()
	})
}

func defaults(profile Profile) (zerolog.Level, bool) {
	switch profile {
	case ProfileTest:
		return zerolog.DebugLevel, false
	default:
		return zerolog.InfoLevel, true
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zerolog.InfoLevel, false
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel, false
	}
	return lvl, true
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
