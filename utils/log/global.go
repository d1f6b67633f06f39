package log

import (
	"go.uber.org/zap"
)

var global = zap.NewNop().Sugar()

// ConfigureLogger builds the package-level logger from a zap.Config,
// replacing whatever logger is currently installed. Meant to be called once,
// early in a binary's main or a test's TestMain/init.
func ConfigureLogger(config zap.Config) {
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	global = logger.Sugar()
}

// With returns a child of the global logger annotated with the given fields.
func With(args ...interface{}) *zap.SugaredLogger {
	return global.With(args...)
}

// Debug logs at debug level using the global logger.
func Debug(args ...interface{}) { global.Debug(args...) }

// Debugf logs at debug level using the global logger.
func Debugf(template string, args ...interface{}) { global.Debugf(template, args...) }

// Info logs at info level using the global logger.
func Info(args ...interface{}) { global.Info(args...) }

// Infof logs at info level using the global logger.
func Infof(template string, args ...interface{}) { global.Infof(template, args...) }

// Warn logs at warn level using the global logger.
func Warn(args ...interface{}) { global.Warn(args...) }

// Warnf logs at warn level using the global logger.
func Warnf(template string, args ...interface{}) { global.Warnf(template, args...) }

// Error logs at error level using the global logger.
func Error(args ...interface{}) { global.Error(args...) }

// Errorf logs at error level using the global logger.
func Errorf(template string, args ...interface{}) { global.Errorf(template, args...) }

// Fatal logs at fatal level using the global logger, then calls os.Exit(1).
func Fatal(args ...interface{}) { global.Fatal(args...) }

// Fatalf logs at fatal level using the global logger, then calls os.Exit(1).
func Fatalf(template string, args ...interface{}) { global.Fatalf(template, args...) }
