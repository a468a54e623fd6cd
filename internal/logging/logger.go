// Package logging is the colored, leveled logging façade used across the
// gateway. It keeps the public shape of the teacher's pkg/logger (Debug,
// Info, Warn, Error, Success, Section, Banner) but is backed by logrus so
// reliability-engine log lines can carry structured fields instead of
// pre-formatted strings.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ANSI color codes, matched to the teacher's pkg/logger palette.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorWhite  = "\033[37m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

var levelColor = map[logrus.Level]string{
	logrus.DebugLevel: colorGray,
	logrus.InfoLevel:  colorWhite,
	logrus.WarnLevel:  colorYellow,
	logrus.ErrorLevel: colorRed,
	logrus.FatalLevel: colorRed,
}

// successField marks entries that piggyback on logrus.InfoLevel but renders green, mirroring
// the teacher's separate "SUCCESS" level without forking the level enum.
const successField = "raknet.success"

// coloredFormatter reproduces the teacher's `[HH:MM:SS] [LEVEL] message`
// line shape with timestamp and level colorized.
type coloredFormatter struct {
	TimeFormat string
}

func (f *coloredFormatter) Format(e *logrus.Entry) ([]byte, error) {
	color := levelColor[e.Level]
	label := levelLabel(e.Level)
	if _, ok := e.Data[successField]; ok {
		color = colorGreen
		label = "SUCCESS"
	}

	ts := e.Time.Format(f.TimeFormat)
	line := fmt.Sprintf("%s[%s]%s %s[%s]%s %s", colorGray, ts, colorReset, color, label, colorReset, e.Message)

	for k, v := range e.Data {
		if k == successField {
			continue
		}
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	line += "\n"
	return []byte(line), nil
}

func levelLabel(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.FatalLevel:
		return "FATAL"
	default:
		return "LOG"
	}
}

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&coloredFormatter{TimeFormat: "15:04:05"})
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel sets the minimum log level by name ("debug", "info", "warn",
// "error").
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
}

// SetOutput redirects all log output; used by tests to capture lines.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

func Debug(format string, args ...interface{}) { base.Debugf(format, args...) }
func Info(format string, args ...interface{})  { base.Infof(format, args...) }
func Warn(format string, args ...interface{})  { base.Warnf(format, args...) }
func Error(format string, args ...interface{}) { base.Errorf(format, args...) }
func Fatal(format string, args ...interface{}) { base.Fatalf(format, args...) }

// Success logs an informational line rendered in green, matching the
// teacher's dedicated Success level.
func Success(format string, args ...interface{}) {
	base.WithField(successField, true).Infof(format, args...)
}

// WithFields returns an entry carrying structured context, logged at
// whatever level the caller picks - the shape the reliability engine uses
// for per-datagram/per-session log lines.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return base.WithFields(fields)
}

// Section prints a banner-style section header, unchanged from the teacher.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Fprintf(os.Stdout, "\n%s╔%s╗%s\n", colorCyan, border, colorReset)
	fmt.Fprintf(os.Stdout, "%s║%s %-57s %s║%s\n", colorCyan, colorReset, title, colorCyan, colorReset)
	fmt.Fprintf(os.Stdout, "%s╚%s╝%s\n\n", colorCyan, border, colorReset)
}

// Banner prints the application banner, unchanged from the teacher.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║   RakNet reliable-datagram gateway                         ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                      ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, colorCyan, title, colorReset, colorGreen, version, colorReset)
}
