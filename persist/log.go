package persist

import (
	"log"
	"os"

	"gitlab.com/texpen/fetchcore/build"
)

// Logger is a file-backed logger with the conventional STARTUP/SHUTDOWN
// bracketing lines, so a log file's tail always shows whether the process
// that wrote it exited cleanly.
type Logger struct {
	*log.Logger
	file *os.File
}

// NewLogger returns a Logger that appends to filename, creating it if it
// does not exist, and writes a STARTUP line immediately.
func NewLogger(filename string) (*Logger, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	logger := log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile|log.UTC)
	fl := &Logger{
		Logger: logger,
		file:   file,
	}
	fl.Println("STARTUP: Logging has started.")
	return fl, nil
}

// Close logs a SHUTDOWN line and closes the underlying file.
func (fl *Logger) Close() error {
	fl.Println("SHUTDOWN: Logging has terminated.")
	return fl.file.Close()
}

// Critical logs a message at critical severity and then calls build.Critical,
// so debug builds panic immediately rather than continue running in a
// known-bad state.
func (fl *Logger) Critical(v ...interface{}) {
	fl.Println(append([]interface{}{"CRITICAL:"}, v...)...)
	build.Critical(v...)
}

// Severe logs a message that indicates a serious but non-fatal problem.
func (fl *Logger) Severe(v ...interface{}) {
	fl.Println(append([]interface{}{"SEVERE:"}, v...)...)
}
