// Package log provides a small leveled logging interface shared by the
// chatgraph components.
//
// The Logger interface has four methods (Debug, Info, Warn, Error), all
// printf-style. Two implementations ship with the package: DefaultLogger on
// top of the standard library, and GologLogger wrapping
// github.com/kataras/golog for colored, leveled console output. NoOpLogger
// discards everything and is handy in tests.
//
// A package-level default logger is available through Debug/Info/Warn/Error
// and can be swapped with SetDefaultLogger:
//
//	glogger := golog.New()
//	glogger.SetPrefix("[chatgraph] ")
//	log.SetDefaultLogger(log.NewGologLogger(glogger))
package log
