package comm

import (
	"fmt"
	"log/slog"
	"runtime"
)

// PrintAllRanks makes Printf print on every rank instead of only the master.
var PrintAllRanks = false

// Logger returns the default logger tagged with the rank of c.
func Logger(c Comm) *slog.Logger {
	return slog.Default().With("rank", c.Rank(), "size", c.Size())
}

// Printf prints on the master rank only, unless PrintAllRanks is set, in
// which case the other ranks prefix their output with P<rank>.
func Printf(c Comm, format string, args ...any) {
	if !c.IsMaster() {
		if !PrintAllRanks {
			return
		}
		format = fmt.Sprintf("P%d: ", c.Rank()) + format
	}
	fmt.Printf(format, args...)
}

// Check aborts the group when err is non-nil. The diagnostic names op and the
// file and line of the caller. Check does not return when err is non-nil.
func Check(c Comm, op string, err error) {
	if err == nil {
		return
	}
	_, file, line, _ := runtime.Caller(1)
	Logger(c).Error("fatal error, aborting group",
		"op", op, "file", file, "line", line, "err", err)
	ae := &AbortError{Code: 1, Rank: c.Rank(), Op: op, File: file, Line: line, Err: err}
	if ar, ok := c.(abortReporter); ok {
		ar.abortWith(ae)
		return
	}
	c.Abort(ae.Code)
}
