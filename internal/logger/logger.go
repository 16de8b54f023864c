package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON zap logger that writes debug and info entries to stdout
// and warn, error and fatal entries to stderr. Debug entries are only emitted
// when debug is set.
func New(debug bool) *zap.Logger {
	// debug and info level enabler
	debugInfoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.DebugLevel || level == zapcore.InfoLevel
	})

	// info level enabler
	infoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.InfoLevel
	})

	// warn, error and fatal level enabler
	warnErrorFatalLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	stdoutSyncer := zapcore.Lock(os.Stdout)
	stderrSyncer := zapcore.Lock(os.Stderr)

	encoderConfig := zap.NewProductionEncoderConfig()
	outLevel := infoLevel
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		outLevel = debugInfoLevel
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stdoutSyncer, outLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stderrSyncer, warnErrorFatalLevel),
	)

	return zap.New(core)
}
