// Package log adds a thin wrapper around logrus to improve non-debug logging
// performance, plus a Scoped logger that tags every line with the
// symmetryhub component that emitted it.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	l     = logrus.New()
	debug = false
)

// SetDebug controls debug logging.
func SetDebug(to bool) {
	debug = to
	if to {
		l.Level = logrus.DebugLevel
	}
}

// SetFormatter sets the formatter.
func SetFormatter(to logrus.Formatter) {
	l.Formatter = to
}

// SetOutput sets the output.
func SetOutput(to io.Writer) {
	l.Out = to
}

// Fields is a map of logging fields.
type Fields map[string]interface{}

// LogFields implements Fielder for Fields.
func (f Fields) LogFields() Fields {
	return f
}

// Fielder provides Fields via the LogFields method.
type Fielder interface {
	LogFields() Fields
}

type errField struct {
	e error
}

// LogFields provides Fields for logging.
func (e errField) LogFields() Fields {
	return Fields{
		"error": e.e.Error(),
		"type":  fmt.Sprintf("%T", e.e),
	}
}

// Err is a wrapper around errors that implements Fielder.
func Err(e error) Fielder {
	return errField{e}
}

// mergeFielders merges the Fields of multiple Fielders.
//
// Fields from the first Fielder are used unchanged; Fields from subsequent
// Fielders are prefixed with "%d.", starting from 1.
func mergeFielders(fielders ...Fielder) logrus.Fields {
	if fielders[0] == nil {
		return nil
	}

	fields := fielders[0].LogFields()
	for i := 1; i < len(fielders); i++ {
		if fielders[i] == nil {
			continue
		}
		prefix := fmt.Sprint(i, ".")
		for k, v := range fielders[i].LogFields() {
			fields[prefix+k] = v
		}
	}

	return logrus.Fields(fields)
}

// Debug logs at the debug level if debug logging is enabled.
func Debug(v interface{}, fielders ...Fielder) {
	if !debug {
		return
	}
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Debug(v)
	} else {
		l.Debug(v)
	}
}

// Info logs at the info level.
func Info(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Info(v)
	} else {
		l.Info(v)
	}
}

// Warn logs at the warning level.
func Warn(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Warn(v)
	} else {
		l.Warn(v)
	}
}

// Error logs at the error level.
func Error(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Error(v)
	} else {
		l.Error(v)
	}
}

// Fatal logs at the fatal level and exits with a status code != 0.
func Fatal(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Fatal(v)
	} else {
		l.Fatal(v)
	}
}

// Scoped is a logger bound to one of symmetryhub's independent components
// (the dispatcher, the peer transport, the HTTP front door, ...), tagging
// every line it emits with a "component" field so log aggregation can
// separate them without every call site repeating it.
type Scoped struct {
	name string
}

// NewScoped returns a Scoped logger for component.
func NewScoped(component string) Scoped {
	return Scoped{name: component}
}

func (s Scoped) fields(fielders []Fielder) logrus.Fields {
	var merged logrus.Fields
	if len(fielders) != 0 {
		merged = mergeFielders(fielders...)
	}
	if merged == nil {
		merged = logrus.Fields{}
	}
	merged["component"] = s.name
	return merged
}

// Debug logs at the debug level if debug logging is enabled.
func (s Scoped) Debug(v interface{}, fielders ...Fielder) {
	if !debug {
		return
	}
	l.WithFields(s.fields(fielders)).Debug(v)
}

// Info logs at the info level.
func (s Scoped) Info(v interface{}, fielders ...Fielder) {
	l.WithFields(s.fields(fielders)).Info(v)
}

// Warn logs at the warning level.
func (s Scoped) Warn(v interface{}, fielders ...Fielder) {
	l.WithFields(s.fields(fielders)).Warn(v)
}

// Error logs at the error level.
func (s Scoped) Error(v interface{}, fielders ...Fielder) {
	l.WithFields(s.fields(fielders)).Error(v)
}

// Fatal logs at the fatal level and exits with a status code != 0.
func (s Scoped) Fatal(v interface{}, fielders ...Fielder) {
	l.WithFields(s.fields(fielders)).Fatal(v)
}
