package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/almond-mart/almond-trainer/pkg/models"
)

// fakeShell interprets "exit N" commands and records every invocation.
// Joined invocations ("a && b") stop at the first non-zero part.
type fakeShell struct {
	mu       sync.Mutex
	executed []string
	started  []string
	outputs  map[string]string
	execErr  error
	closed   bool
	live     *atomic.Int32
}

func newFakeShell() *fakeShell {
	return &fakeShell{outputs: map[string]string{}}
}

func (f *fakeShell) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.executed = append(f.executed, cmd)
	execErr := f.execErr
	f.mu.Unlock()

	if execErr != nil {
		return -1, execErr
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	for _, part := range strings.Split(cmd, " && ") {
		if out, ok := f.outputs[part]; ok {
			_, _ = io.WriteString(stdout, out)
		}
		if code := exitOf(part); code != 0 {
			return code, nil
		}
	}
	return 0, nil
}

func (f *fakeShell) Start(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cmd)
	return nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed && f.live != nil {
		f.live.Add(-1)
	}
	f.closed = true
	return nil
}

func (f *fakeShell) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func exitOf(cmd string) int {
	var code int
	if n, _ := fmt.Sscanf(cmd, "exit %d", &code); n == 1 {
		return code
	}
	return 0
}

// fakeFiles is an in-memory FileSystem
type fakeFiles struct {
	mu     sync.Mutex
	files  map[string]*bytes.Buffer
	closed bool
}

func (f *fakeFiles) MkdirAll(path string) error { return nil }

func (f *fakeFiles) Create(path string) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = map[string]*bytes.Buffer{}
	}
	buf := &bytes.Buffer{}
	f.files[path] = buf
	return nopWriteCloser{buf}, nil
}

func (f *fakeFiles) Stat(path string) (os.FileInfo, error) { return nil, os.ErrNotExist }

func (f *fakeFiles) Getwd() (string, error) { return "/root", nil }

func (f *fakeFiles) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// fakeDialer hands out fake channels, failing the first failures dials
type fakeDialer struct {
	mu       sync.Mutex
	failures []error
	dials    int
	shells   []*fakeShell
	live     atomic.Int32
	// liveAtDial is the number of open shells seen by each dial
	liveAtDial []int32
}

func (d *fakeDialer) Dial(ctx context.Context, ep models.Endpoint) (Shell, FileSystem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.liveAtDial = append(d.liveAtDial, d.live.Load())
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, nil, err
	}
	shell := newFakeShell()
	shell.live = &d.live
	d.live.Add(1)
	d.shells = append(d.shells, shell)
	return shell, &fakeFiles{}, nil
}

var errAuth = errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]")

func testSession(shell *fakeShell) *Session {
	return NewSession(models.Endpoint{Host: "203.0.113.7", Port: 20456, User: "user"}, shell, &fakeFiles{})
}
