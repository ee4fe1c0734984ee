//go:build unix

// Package jobserver implements the POSIX jobserver protocol (the GNU
// make convention for sharing a parallelism budget across a tree of
// cooperating processes) both as a client, for when redux is invoked
// as a child of another jobserver-aware tool, and as a server, for
// when redux is the top of the tree and needs to hand tokens down to
// the rule scripts and recursive sub-builds it spawns.
package jobserver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/semaphore"
)

// makeflagsVar is the environment variable GNU make (and anything
// that speaks its jobserver protocol) uses to advertise an inherited
// jobserver to child processes.
const makeflagsVar = "MAKEFLAGS"

// Client is a handle on a parallelism budget: Acquire blocks until a
// token is available, Release gives it back.
type Client interface {
	Acquire(ctx context.Context) (Token, error)
}

// Token represents one held unit of parallelism. Release must be
// called exactly once.
type Token interface {
	Release()
}

// inProcess backs the jobserver with an in-memory weighted semaphore:
// a standalone budget for one process, not shared with the child
// processes it spawns.
type inProcess struct {
	sem *semaphore.Weighted
}

type inProcessToken struct {
	sem *semaphore.Weighted
}

func (t inProcessToken) Release() { t.sem.Release(1) }

func (c *inProcess) Acquire(ctx context.Context) (Token, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return inProcessToken{sem: c.sem}, nil
}

// New builds a fresh in-process jobserver with the given capacity.
func New(capacity int) Client {
	return &inProcess{sem: semaphore.NewWeighted(int64(capacity))}
}

// fifoClient implements Client against an inherited POSIX named-pipe
// jobserver: a byte is read from the pipe to acquire a token (the
// first token, representing "this process itself", is implicit and
// never read from the pipe) and a byte is written back to release it.
type fifoClient struct {
	read, write *os.File

	mu       sync.Mutex
	implicit bool // whether the implicit token is currently held
}

func (c *fifoClient) Acquire(ctx context.Context) (Token, error) {
	c.mu.Lock()
	if !c.implicit {
		c.implicit = true
		c.mu.Unlock()
		return implicitToken{c: c}, nil
	}
	c.mu.Unlock()

	done := make(chan error, 1)
	buf := make([]byte, 1)
	go func() {
		_, err := c.read.Read(buf)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("acquire jobserver token: %w", err)
		}
		return fifoToken{write: c.write, b: buf[0]}, nil
	}
}

type fifoToken struct {
	write *os.File
	b     byte
}

func (t fifoToken) Release() {
	t.write.Write([]byte{t.b})
}

type implicitToken struct{ c *fifoClient }

func (t implicitToken) Release() {
	t.c.mu.Lock()
	t.c.implicit = false
	t.c.mu.Unlock()
}

// FromEnv looks for a jobserver advertised via MAKEFLAGS, in the
// "--jobserver-auth=R,W" (file descriptor pair) or
// "--jobserver-auth=fifo:PATH" forms. It returns ok=false, not an
// error, when no jobserver is advertised — that's the common case of
// a fresh top-level invocation.
func FromEnv() (client Client, ok bool, err error) {
	flags, present := os.LookupEnv(makeflagsVar)
	if !present {
		return nil, false, nil
	}
	auth := extractJobserverAuth(flags)
	if auth == "" {
		return nil, false, nil
	}

	if path, isFifo := strings.CutPrefix(auth, "fifo:"); isFifo {
		r, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, false, fmt.Errorf("open jobserver fifo %s for read: %w", path, err)
		}
		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			r.Close()
			return nil, false, fmt.Errorf("open jobserver fifo %s for write: %w", path, err)
		}
		return &fifoClient{read: r, write: w}, true, nil
	}

	rStr, wStr, ok2 := strings.Cut(auth, ",")
	if !ok2 {
		return nil, false, fmt.Errorf("malformed --jobserver-auth=%s", auth)
	}
	rFd, err1 := strconv.Atoi(rStr)
	wFd, err2 := strconv.Atoi(wStr)
	if err1 != nil || err2 != nil {
		return nil, false, fmt.Errorf("malformed --jobserver-auth=%s", auth)
	}
	r := os.NewFile(uintptr(rFd), "jobserver-r")
	w := os.NewFile(uintptr(wFd), "jobserver-w")
	if r == nil || w == nil {
		return nil, false, fmt.Errorf("jobserver file descriptors %d,%d not open", rFd, wFd)
	}
	return &fifoClient{read: r, write: w}, true, nil
}

func extractJobserverAuth(flags string) string {
	for _, field := range strings.Fields(flags) {
		if v, ok := strings.CutPrefix(field, "--jobserver-auth="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(field, "--jobserver-fds="); ok {
			return v
		}
	}
	return ""
}

// clearCloseOnExec clears FD_CLOEXEC on fd so it survives a
// syscall.Exec re-exec instead of being closed by the kernel during
// execve.
func clearCloseOnExec(fd uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_SETFD, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// EnsureJobserver returns a Client with the given capacity: either the
// jobserver already advertised in the environment, or — if none is
// advertised — a freshly created one, with this process re-exec'd via
// syscall.Exec so that the new MAKEFLAGS (advertising a pipe-backed
// jobserver) is visible to it and everything it spawns.
//
// If a re-exec happens, EnsureJobserver never returns: the process
// image is replaced. Callers only see a return when they already are
// (or have become, without needing to re-exec) the jobserver holder.
func EnsureJobserver(capacity int) (Client, error) {
	if client, ok, err := FromEnv(); err != nil {
		return nil, err
	} else if ok {
		return client, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create jobserver pipe: %w", err)
	}
	// Prime the pipe with capacity-1 tokens: this process itself counts
	// as the first implicit token, matching make's convention.
	for i := 0; i < capacity-1; i++ {
		if _, err := w.Write([]byte{'+'}); err != nil {
			return nil, fmt.Errorf("prime jobserver pipe: %w", err)
		}
	}

	// os.Pipe sets FD_CLOEXEC on both ends by default; clear it on each
	// so the fds advertised in MAKEFLAGS below survive the syscall.Exec
	// re-exec instead of being silently closed by the kernel, which
	// would leave the re-exec'd process's FromEnv opening stale fd
	// numbers.
	if err := clearCloseOnExec(r.Fd()); err != nil {
		return nil, fmt.Errorf("clear close-on-exec on jobserver read end: %w", err)
	}
	if err := clearCloseOnExec(w.Fd()); err != nil {
		return nil, fmt.Errorf("clear close-on-exec on jobserver write end: %w", err)
	}

	auth := fmt.Sprintf("%d,%d", r.Fd(), w.Fd())
	newFlags := appendJobserverAuth(os.Getenv(makeflagsVar), auth)

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}
	env := append(os.Environ(), makeflagsVar+"="+newFlags)
	if err := syscall.Exec(exe, append([]string{exe}, os.Args[1:]...), env); err != nil {
		return nil, fmt.Errorf("re-exec with jobserver configured: %w", err)
	}
	// unreachable: syscall.Exec only returns on error
	return nil, fmt.Errorf("re-exec returned unexpectedly")
}

func appendJobserverAuth(flags, auth string) string {
	entry := "--jobserver-auth=" + auth
	if flags == "" {
		return entry
	}
	return flags + " " + entry
}
