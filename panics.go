package datacopy

import (
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
)

// PanicHandler is deferred at the top of a goroutine. site names the
// goroutine in the log line; fields add context such as the job id.
type PanicHandler func(site string, fields ...map[string]any)

// LoggerPanicHandler returns a PanicHandler that recovers and logs the panic
// value and the stack below the panicking frame at error level.
func LoggerPanicHandler(logger Logger) PanicHandler {
	logger = NormalizeLogger(logger)
	return func(site string, fields ...map[string]any) {
		rec := recover()
		if rec == nil {
			return
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "recovered from panic in %s: %v", site, rec)
		for _, f := range fields {
			for _, k := range slices.Sorted(maps.Keys(f)) {
				fmt.Fprintf(&sb, " %s=%v", k, f[k])
			}
		}
		sb.WriteByte('\n')
		sb.WriteString(panickingFrames(debug.Stack()))
		logger.Error("%s", sb.String())
	}
}

// panickingFrames drops the goroutine header and the runtime frames up to
// and including the panic call.
func panickingFrames(stack []byte) string {
	lines := strings.Split(string(stack), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "panic(") && i+2 <= len(lines) {
			return strings.Join(lines[i+2:], "\n")
		}
	}
	return string(stack)
}
