// Package sink provides the pluggable diagnostic hooks shared by the page
// and slab allocators: a debug line, a print line, and a fatal abort. Both
// allocators treat a caller-contract violation (use before Reinit, a
// misaligned pointer under guards) as fatal, matching the source's
// FM_DEBUG/FM_ABORT pair. A misaligned buffer or a size outside the legal
// window is not fatal: pagealloc's Reinit writes a debug line and returns
// an error instead. Go code cannot "abort()" a process the way C
// does without unwinding safety, so the default Abort hook panics, but
// callers embedding this in a larger program are free to install something
// harsher (os.Exit) or softer (a recover-based supervisor restart).
package sink

import (
	"fmt"
	"log/slog"
	"os"
)

// Config carries the three sinks spec.md's external interfaces call out
// ("Debug/print/abort: three pluggable sinks for diagnostics and fatal
// exit"), plus the guard-mode flag that governs whether Free/Realloc
// validate pointer alignment before touching the buffer.
type Config struct {
	Guards bool

	Debug func(format string, args ...any)
	Print func(format string, args ...any)
	Abort func()
}

// Default returns a Config whose Debug/Print sinks write structured,
// leveled output through log/slog (the pattern hivekit's CLI tooling uses
// for diagnostics) and whose Abort panics. Guards is left disabled, since
// enabling it is a deliberate opt-in.
func Default() Config {
	logger := slog.Default()
	return Config{
		Debug: func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		Print: func(format string, args ...any) { logger.Info(fmt.Sprintf(format, args...)) },
		Abort: func() { panic("fixedarena: fatal allocator invariant violation") },
	}
}

// fill replaces any nil sink with Default's corresponding sink, so callers
// constructing a partial Config (e.g. only overriding Abort) don't need to
// also wire the other two.
func (c Config) fill() Config {
	d := Default()
	if c.Debug == nil {
		c.Debug = d.Debug
	}
	if c.Print == nil {
		c.Print = d.Print
	}
	if c.Abort == nil {
		c.Abort = d.Abort
	}
	return c
}

// Normalize returns c with every nil sink replaced by its default.
// Allocators call this once, at construction, rather than nil-checking on
// every call site.
func Normalize(c Config) Config {
	return c.fill()
}

// Fatal writes a debug line describing the violated invariant and then
// invokes the abort sink. It never returns (the default Abort panics); if
// a caller installs an Abort that does return, Fatal falls back to
// os.Exit(2) so control never continues past a caller-contract violation.
func (c Config) Fatal(format string, args ...any) {
	c.Debug(format, args...)
	c.Abort()
	os.Exit(2)
}
