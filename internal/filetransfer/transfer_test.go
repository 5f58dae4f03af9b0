package filetransfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almond-mart/almond-trainer/internal/ssh"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// memFS is an in-memory remote filesystem
type memFS struct {
	mu       sync.Mutex
	files    map[string]*bytes.Buffer
	dirs     map[string]bool
	failPath string
}

func newMemFS(dirs ...string) *memFS {
	m := &memFS{files: map[string]*bytes.Buffer{}, dirs: map[string]bool{"/home/user": true}}
	for _, d := range dirs {
		m.dirs[d] = true
	}
	return m
}

func (m *memFS) MkdirAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[p] = true
	return nil
}

func (m *memFS) Create(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == m.failPath {
		return &failingWriter{}, nil
	}
	buf := &bytes.Buffer{}
	m.files[p] = buf
	return nopCloser{buf}, nil
}

func (m *memFS) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[p] {
		return dirInfo{name: filepath.Base(p)}, nil
	}
	return nil, fs.ErrNotExist
}

func (m *memFS) Getwd() (string, error) { return "/home/user", nil }

func (m *memFS) Close() error { return nil }

func (m *memFS) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("sftp: connection lost") }
func (failingWriter) Close() error                { return nil }

type dirInfo struct{ name string }

func (d dirInfo) Name() string       { return d.name }
func (d dirInfo) Size() int64        { return 0 }
func (d dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0755 }
func (d dirInfo) ModTime() time.Time { return time.Time{} }
func (d dirInfo) IsDir() bool        { return true }
func (d dirInfo) Sys() any           { return nil }

func memSession(files ssh.FileSystem) *ssh.Session {
	return ssh.NewSession(models.Endpoint{Host: "203.0.113.7", Port: 20456, User: "user"}, nil, files)
}

func writeFile(t *testing.T, p string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte("x"), size), 0644))
}

type recorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recorder) record(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestTransfer_DirectoryIntoExistingDir(t *testing.T) {
	local := filepath.Join(t.TempDir(), "run1")
	writeFile(t, filepath.Join(local, "meta", "info.json"), 10)
	writeFile(t, filepath.Join(local, "data", "episode_000.parquet"), 300)

	remote := newMemFS("/home/user/almond-intelligence/data/alice")
	svc := New()

	err := svc.Transfer(context.Background(), memSession(remote), models.TransferJob{
		LocalPath:  local,
		RemotePath: "~/almond-intelligence/data/alice",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/home/user/almond-intelligence/data/alice/run1/data/episode_000.parquet",
		"/home/user/almond-intelligence/data/alice/run1/meta/info.json",
	}, remote.paths())
	assert.Equal(t, 300, remote.files["/home/user/almond-intelligence/data/alice/run1/data/episode_000.parquet"].Len())
	assert.True(t, remote.dirs["/home/user/almond-intelligence/data/alice/run1/meta"])
}

func TestTransfer_DirectoryToNewPath(t *testing.T) {
	local := filepath.Join(t.TempDir(), "run1")
	writeFile(t, filepath.Join(local, "a.bin"), 5)

	remote := newMemFS()
	err := New().Transfer(context.Background(), memSession(remote), models.TransferJob{LocalPath: local, RemotePath: "/data/copy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/copy/a.bin"}, remote.paths())
}

func TestTransfer_SingleFile(t *testing.T) {
	local := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, local, 42)

	remote := newMemFS("/srv")
	err := New().Transfer(context.Background(), memSession(remote), models.TransferJob{LocalPath: local, RemotePath: "/srv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/config.yaml"}, remote.paths())
}

func TestTransfer_ProgressPerFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds")
	writeFile(t, filepath.Join(dir, "a"), 100)
	writeFile(t, filepath.Join(dir, "b"), 50)

	rec := &recorder{}
	svc := New(WithChunkSize(25), WithProgress(rec.record))

	err := svc.Transfer(context.Background(), memSession(newMemFS()), models.TransferJob{LocalPath: dir, RemotePath: "/remote/ds"})
	require.NoError(t, err)

	assert.Equal(t, []ProgressEvent{
		{"ds/a", 25}, {"ds/a", 50}, {"ds/a", 75}, {"ds/a", 100},
		{"ds/b", 50}, {"ds/b", 100},
	}, rec.events)
}

func TestTransfer_EmptyFileReportsComplete(t *testing.T) {
	local := filepath.Join(t.TempDir(), "empty")
	writeFile(t, local, 0)

	rec := &recorder{}
	err := New(WithProgress(rec.record)).Transfer(context.Background(), memSession(newMemFS()), models.TransferJob{LocalPath: local, RemotePath: "/r/empty"})
	require.NoError(t, err)
	assert.Equal(t, []ProgressEvent{{"empty", 100}}, rec.events)
}

func TestTransfer_WriteFailure(t *testing.T) {
	local := filepath.Join(t.TempDir(), "f.bin")
	writeFile(t, local, 10)

	remote := newMemFS()
	remote.failPath = "/r/f.bin"

	err := New().Transfer(context.Background(), memSession(remote), models.TransferJob{LocalPath: local, RemotePath: "/r/f.bin"})
	var tErr *TransferError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "write", tErr.Op)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestTransfer_MissingSource(t *testing.T) {
	err := New().Transfer(context.Background(), memSession(newMemFS()), models.TransferJob{
		LocalPath:  filepath.Join(t.TempDir(), "absent"),
		RemotePath: "/r",
	})
	var tErr *TransferError
	require.ErrorAs(t, err, &tErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestTransfer_Cancelled(t *testing.T) {
	local := filepath.Join(t.TempDir(), "f.bin")
	writeFile(t, local, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().Transfer(ctx, memSession(newMemFS()), models.TransferJob{LocalPath: local, RemotePath: "/r/f.bin"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransfer_ClosedSession(t *testing.T) {
	sess := memSession(newMemFS())
	require.NoError(t, sess.Close())

	err := New().Transfer(context.Background(), sess, models.TransferJob{LocalPath: "x", RemotePath: "/r"})
	assert.ErrorIs(t, err, ssh.ErrNotConnected)
}

// Files a (100 bytes) and b (50 bytes), each sent in two halves
func TestFileProgress_TwoFiles(t *testing.T) {
	rec := &recorder{}

	a := newFileProgress("a", 100, rec.record)
	a.add(50)
	a.add(50)
	b := newFileProgress("b", 50, rec.record)
	b.add(25)
	b.add(25)

	require.Len(t, rec.events, 4)

	switches := 0
	for i := 1; i < len(rec.events); i++ {
		prev, cur := rec.events[i-1], rec.events[i]
		if cur.File != prev.File {
			switches++
			continue
		}
		assert.Greater(t, cur.Percent, prev.Percent)
	}
	assert.Equal(t, 1, switches)
}

func TestFileProgress_OnlyEmitsOnGrowth(t *testing.T) {
	rec := &recorder{}
	p := newFileProgress("big", 1000, rec.record)
	for i := 0; i < 1000; i++ {
		p.add(1)
	}
	assert.Len(t, rec.events, 100, "one event per whole percent")
	assert.Equal(t, 100, rec.events[len(rec.events)-1].Percent)
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressPrinter(&out)

	p.Report(ProgressEvent{"a", 50})
	p.Report(ProgressEvent{"a", 100})
	p.Report(ProgressEvent{"b", 100})
	p.Finish()

	assert.Equal(t, "\ra: 50% complete\ra: 100% complete\n\rb: 100% complete\n", out.String())
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
}
