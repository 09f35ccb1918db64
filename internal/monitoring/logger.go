// Package monitoring is the diagnostic log of the driving packages. The CLI
// keeps it quiet unless --verbose is given.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Printf is the shape of a diagnostic sink, e.g. log.Printf or (*log.Logger).Printf.
type Printf func(format string, v ...interface{})

var sink atomic.Value // Printf

func init() {
	sink.Store(Printf(log.Printf))
}

// Logf writes one diagnostic line to the current sink.
func Logf(format string, v ...interface{}) {
	sink.Load().(Printf)(format, v...)
}

// SetLogger installs f as the sink and returns the previous one. A nil f mutes
// all diagnostics.
func SetLogger(f Printf) Printf {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	return sink.Swap(f).(Printf)
}
