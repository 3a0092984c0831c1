package errorutil

import (
	"context"
	"errors"
	"runtime"

	logutil "github.com/ikenchina/octopus-tcc/common/log"
)

// ErrPanic reports a recovered panic to callers waiting for a result.
var ErrPanic = errors.New("panic")

type RecoveryFallBackFunc func(interface{})

// Recovery must be deferred directly. Fallbacks replace the default stack logging.
func Recovery(funcs ...RecoveryFallBackFunc) {
	r := recover()
	if r == nil {
		return
	}
	handled := false
	for _, fun := range funcs {
		if fun != nil {
			fun(r)
			handled = true
		}
	}
	if handled {
		return
	}
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	logutil.Logger(context.Background()).Sugar().Errorf("recovered : %v, STACK: %s", r, buf[0:n])
}
