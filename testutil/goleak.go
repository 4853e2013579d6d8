package testutil

import "go.uber.org/goleak"

// GoleakOptions is the list of goleak options used by every package's
// TestMain. Idle keep-alive connections of the shared HTTP transport are
// closed lazily, so their loops are ignored.
var GoleakOptions = []goleak.Option{
	goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	// The lumberjack library leaves its mill goroutine running after
	// Close. https://github.com/natefinch/lumberjack/pull/100
	goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).mill.func1"),
}
