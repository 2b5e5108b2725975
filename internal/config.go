package internal

import "time"

type Config struct {
	Host              string        `env:"HOST,default=localhost"`
	Port              int           `env:"PORT,default=8080"`
	LogLevel          string        `env:"LOG_LEVEL,default=INFO"`
	BadgerFilepath    string        `env:"BADGER_FILEPATH,required=true"`
	AuthSecret        string        `env:"AUTH_SECRET,required=true"`
	AuthIssuer        string        `env:"AUTH_ISSUER,default=parley"`
	SessionBufferSize int           `env:"SESSION_BUFFER_SIZE,default=64"`
	LimitMessages     *int          `env:"LIMIT_MESSAGES"`
	TypingTTL         time.Duration `env:"TYPING_TTL,default=5s"`
	TypingDebounce    time.Duration `env:"TYPING_DEBOUNCE,default=2s"`
	TypingSweep       time.Duration `env:"TYPING_SWEEP,default=250ms"`
	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL,default=30s"`
}
