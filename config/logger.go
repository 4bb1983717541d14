package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	// Level is one of none, normal, debug.
	Level string `yaml:"level"`
}

type LoggingConfig struct {
	Console LoggerConfig `yaml:"console"`
}

func (conf *LoggingConfig) Validate() error {
	switch conf.Console.Level {
	case "none", "normal", "debug":
		return nil
	default:
		return fmt.Errorf("logging.console.level must be one of none, normal, debug, got %q", conf.Console.Level)
	}
}

// Prepare returns our standard logger writing to stderr, stdout is left for output.
func (conf *LoggingConfig) Prepare() (*zap.Logger, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	var level zapcore.Level
	switch conf.Console.Level {
	case "none":
		return zap.NewNop(), nil
	case "debug":
		level = zapcore.DebugLevel
	default:
		level = zapcore.InfoLevel
	}

	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeCaller = nil
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.TimeKey = zapcore.OmitKey
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}
