package logutil

import (
    "os"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

// JSONFromEnv reports whether structured JSON output was requested through
// GMS_LOG_JSON=1 or GMS_LOG_FORMAT=json.
func JSONFromEnv() bool {
    return os.Getenv("GMS_LOG_JSON") == "1" || os.Getenv("GMS_LOG_FORMAT") == "json"
}

// New builds the process logger. JSON mode uses zap's production encoder,
// otherwise a console encoder at the given level.
func New(level string) (*zap.Logger, error) {
    lvl := zap.NewAtomicLevel()
    if level != "" {
        if err := lvl.UnmarshalText([]byte(level)); err != nil { return nil, err }
    }
    var cfg zap.Config
    if JSONFromEnv() {
        cfg = zap.NewProductionConfig()
    } else {
        cfg = zap.NewDevelopmentConfig()
        cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
        cfg.DisableStacktrace = true
    }
    cfg.Level = lvl
    return cfg.Build()
}

// Named returns a child logger; a nil parent yields a no-op logger so
// components can be constructed without logging configured.
func Named(l *zap.Logger, name string) *zap.Logger {
    if l == nil { return zap.NewNop() }
    return l.Named(name)
}
