package vfs

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	log "log/slog"

	"github.com/vrift/vrift"
)

// Init states, highest first. The value order matters: the state only ever
// decreases (EARLY -> CORE -> READY) and never reverses for the life of the
// process.
const (
	stateReady int32 = 0
	stateCore  int32 = 1
	stateEarly int32 = 2
)

// initState gates routing. Any call observing a state above READY must
// delegate to the host filesystem untouched; full routing switches on only
// after the constructor finishes, and is logged at trace until then.
type initState struct {
	v atomic.Int32
}

func (s *initState) enterEarly() {
	s.v.Store(stateEarly)
}

func (s *initState) enterCore() {
	// Monotonic: never move backwards.
	s.v.CompareAndSwap(stateEarly, stateCore)
}

func (s *initState) enterReady() {
	for {
		cur := s.v.Load()
		if cur == stateReady {
			return
		}
		if s.v.CompareAndSwap(cur, stateReady) {
			return
		}
	}
}

func (s *initState) ready() bool {
	return s.v.Load() == stateReady
}

// trace logs a fallthrough during init; not an error.
func (s *initState) trace(op, path string) {
	log.Log(context.Background(), vrift.LevelTrace, "init-state fallthrough", "op", op, "path", path, "state", s.v.Load())
}

// reentryGuard breaks recursion: a facade method that (through the IPC or
// cache layers) winds back into the facade on the same goroutine must fall
// through to the host instead of deadlocking or looping.
type reentryGuard struct {
	active sync.Map // goroutine id -> struct{}
}

// enter marks the current goroutine inside the facade; it reports false when
// the goroutine is already inside (recursive call).
func (g *reentryGuard) enter() bool {
	id := goroutineID()
	if _, loaded := g.active.LoadOrStore(id, struct{}{}); loaded {
		return false
	}
	return true
}

func (g *reentryGuard) exit() {
	g.active.Delete(goroutineID())
}

// goroutineID parses the numeric id from the stack header. The runtime
// offers no API for it; the parse is confined to the guard.
func goroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 123 [".
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
