// Package logging builds the run logger.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is the timestamp layout of every log line.
const TimestampFormat = "2006/01/02 15:04:05"

// Options configures New.
type Options struct {
	Quiet   bool      // drop console output
	Debug   bool      // log at debug level
	Output  io.Writer // console, default os.Stdout
	LogFile string    // optional file receiving every line, appended to
}

// Logger is a logrus logger plus the log file it may own.
type Logger struct {
	*logrus.Logger
	file *os.File
}

// New builds a logger.
func New(opts Options) (*Logger, error) {
	console := opts.Output
	if console == nil {
		console = os.Stdout
	}
	if opts.Quiet {
		console = io.Discard
	}

	l := &Logger{Logger: logrus.New()}
	out := console
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		if opts.Quiet {
			out = f
		} else {
			out = io.MultiWriter(console, f)
		}
	}

	l.SetOutput(out)
	l.SetFormatter(&Formatter{})
	if opts.Debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	l.SetOutput(io.Discard)
	err := l.file.Close()
	l.file = nil
	return err
}

// Formatter writes "[LEVEL] [timestamp] message key=value ..." lines with
// fields in key order.
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	b := e.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}
	fmt.Fprintf(b, "[%s] [%s] %s", strings.ToUpper(e.Level.String()), e.Time.Format(TimestampFormat), e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		writeValue(b, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func writeValue(b *bytes.Buffer, v any) {
	var s string
	switch v := v.(type) {
	case error:
		s = v.Error()
	case string:
		s = v
	default:
		s = fmt.Sprint(v)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		fmt.Fprintf(b, "%q", s)
		return
	}
	b.WriteString(s)
}
