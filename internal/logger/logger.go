package logger

import (
	"github.com/jmehdipour/erphub/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It is a no-op until Init is called so
// packages can log from tests without setup.
var Log = zap.NewNop()

// Init builds the global logger. Unknown levels fall back to info and
// format "console" switches to the human readable encoder.
func Init(cfg config.LogConfig) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zap.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc := zap.Config{
		Encoding:         encoding,
		Level:            zap.NewAtomicLevelAt(lvl),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encCfg,
		InitialFields:    map[string]any{"service": "erphub"},
	}

	l, err := zc.Build()
	if err != nil {
		panic(err)
	}
	Log = l
}

// Named returns a child of the global logger for one component.
func Named(component string) *zap.Logger {
	return Log.Named(component)
}
