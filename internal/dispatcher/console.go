package dispatcher

import (
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/rs/zerolog"
)

// consoleHook mirrors warnings and errors logged for a volume to the host
// console as CONSOLE_LOG messages
type consoleHook struct {
	d            *Dispatcher
	fileSystemID string
	requestID    *atomic.Value
}

func (h consoleHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || msg == "" {
		return
	}
	requestID, _ := h.requestID.Load().(string)
	file, line, fn := caller()
	// send failures are not logged to avoid feeding the hook again
	_ = h.d.sender.Send(request.ConsoleLog(h.fileSystemID, requestID, file, line, fn, msg))
}

// caller returns the first frame outside of zerolog and this hook
func caller() (string, int, string) {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "github.com/rs/zerolog") &&
			!strings.HasSuffix(frame.Function, "consoleHook.Run") {
			return frame.File, frame.Line, frame.Function
		}
		if !more {
			return frame.File, frame.Line, frame.Function
		}
	}
}
