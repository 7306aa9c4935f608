package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var once sync.Once
var core zapcore.Core

// GetZapLogger returns an instance of zap logger. The core is built on the
// first call; debug only has an effect then.
func GetZapLogger(debug bool) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		core = newCore(debug, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
	})

	return zap.New(core), err
}

// newCore tees debug/info records to stdout and warn and above to stderr.
func newCore(debug bool, stdout, stderr zapcore.WriteSyncer) zapcore.Core {
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
		return level == zapcore.WarnLevel || level == zapcore.ErrorLevel || level == zapcore.FatalLevel
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	outLevel := infoLevel
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		outLevel = debugInfoLevel
	}

	return zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stdout, outLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stderr, warnErrorFatalLevel),
	)
}
