package log

import (
	"github.com/sirupsen/logrus"
)

// std is the package level logger used by call sites that do not thread a
// Logger value through, such as low level helpers in pkg/http.
var std = logrus.StandardLogger()

// SetStd replaces the package level logger, e.g. to route it through the
// same formatter/level configuration used by the rest of the process.
func SetStd(l *logrus.Logger) {
	std = l
}

func Debug(args ...interface{}) { std.Debug(args...) }
func Info(args ...interface{})  { std.Info(args...) }
func Warn(args ...interface{})  { std.Warn(args...) }
func Error(args ...interface{}) { std.Error(args...) }

func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

func Fatal(args ...interface{})                 { std.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { std.Fatalf(format, args...) }
