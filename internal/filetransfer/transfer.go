// Package filetransfer copies local files and directories to an instance over
// the session's SFTP channel.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/internal/ssh"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

const (
	// DefaultChunkSize is how many bytes are written between progress updates
	DefaultChunkSize = 1 << 20
)

// TransferError is returned for any I/O fault during a transfer
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Service uploads TransferJobs over a session
type Service struct {
	chunkSize int
	progress  ProgressFunc
	logger    *slog.Logger
}

// Option configures the Service
type Option func(*Service)

// WithProgress sets the progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(s *Service) {
		s.progress = fn
	}
}

// WithChunkSize sets the write size between progress updates
func WithChunkSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a transfer service
func New(opts ...Option) *Service {
	s := &Service{
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Transfer copies job.LocalPath to job.RemotePath. Directories are copied
// recursively with scp -r semantics: when RemotePath is an existing directory
// the source lands inside it under its own name, otherwise RemotePath becomes
// the copy. A leading "~" in RemotePath is the login directory.
func (s *Service) Transfer(ctx context.Context, sess *ssh.Session, job models.TransferJob) error {
	if job.LocalPath == "" {
		return &TransferError{Op: "read", Path: job.LocalPath, Err: errors.New("local path cannot be empty")}
	}
	if job.RemotePath == "" {
		return &TransferError{Op: "write", Path: job.RemotePath, Err: errors.New("remote path cannot be empty")}
	}

	files, err := sess.Files()
	if err != nil {
		return &TransferError{Op: "open", Path: job.RemotePath, Err: err}
	}

	recursive, err := job.Recursive()
	if err != nil {
		return &TransferError{Op: "stat", Path: job.LocalPath, Err: err}
	}

	remote, err := resolveHome(files, job.RemotePath)
	if err != nil {
		return &TransferError{Op: "resolve", Path: job.RemotePath, Err: err}
	}

	// Copy into an existing directory under the source's own name
	if info, err := files.Stat(remote); err == nil && info.IsDir() {
		remote = path.Join(remote, filepath.Base(job.LocalPath))
	}

	start := time.Now()
	var count int
	var bytes int64

	if !recursive {
		n, err := s.uploadFile(ctx, files, job.LocalPath, remote, path.Base(remote))
		if err != nil {
			return err
		}
		count, bytes = 1, n
	} else {
		count, bytes, err = s.uploadDir(ctx, files, job.LocalPath, remote)
		if err != nil {
			return err
		}
	}

	s.logger.Info("transfer complete",
		slog.String("local", job.LocalPath),
		slog.String("remote", remote),
		slog.Int("files", count),
		slog.Int64("bytes", bytes),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *Service) uploadDir(ctx context.Context, files ssh.FileSystem, localRoot, remoteRoot string) (int, int64, error) {
	var count int
	var total int64

	err := filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &TransferError{Op: "read", Path: p, Err: walkErr}
		}

		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return &TransferError{Op: "read", Path: p, Err: err}
		}
		rel = filepath.ToSlash(rel)
		remote := path.Join(remoteRoot, rel)

		if d.IsDir() {
			if err := files.MkdirAll(remote); err != nil {
				return &TransferError{Op: "mkdir", Path: remote, Err: err}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			s.logger.Debug("skipping non-regular file", slog.String("path", p))
			return nil
		}

		label := path.Join(path.Base(remoteRoot), rel)
		n, err := s.uploadFile(ctx, files, p, remote, label)
		if err != nil {
			return err
		}
		count++
		total += n
		return nil
	})

	return count, total, err
}

func (s *Service) uploadFile(ctx context.Context, files ssh.FileSystem, localPath, remotePath, label string) (int64, error) {
	n, err := s.copyFile(ctx, files, localPath, remotePath, label)
	if err != nil {
		metrics.RecordTransferFile("error")
		return n, err
	}
	metrics.RecordTransferFile("success")
	return n, nil
}

func (s *Service) copyFile(ctx context.Context, files ssh.FileSystem, localPath, remotePath, label string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, &TransferError{Op: "open", Path: localPath, Err: err}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, &TransferError{Op: "stat", Path: localPath, Err: err}
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := files.MkdirAll(dir); err != nil {
			return 0, &TransferError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	dst, err := files.Create(remotePath)
	if err != nil {
		return 0, &TransferError{Op: "create", Path: remotePath, Err: err}
	}

	progress := newFileProgress(label, info.Size(), s.progress)
	if info.Size() == 0 {
		progress.report()
	}

	buf := make([]byte, s.chunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			dst.Close()
			return sent, &TransferError{Op: "write", Path: remotePath, Err: err}
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				dst.Close()
				return sent, &TransferError{Op: "write", Path: remotePath, Err: err}
			}
			sent += int64(n)
			metrics.RecordTransferBytes(int64(n))
			progress.add(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			return sent, &TransferError{Op: "read", Path: localPath, Err: readErr}
		}
	}

	if err := dst.Close(); err != nil {
		return sent, &TransferError{Op: "close", Path: remotePath, Err: err}
	}
	return sent, nil
}

// resolveHome expands a leading "~" against the login directory
func resolveHome(files ssh.FileSystem, remote string) (string, error) {
	if remote != "~" && !strings.HasPrefix(remote, "~/") {
		return remote, nil
	}
	home, err := files.Getwd()
	if err != nil {
		return "", err
	}
	return path.Join(home, strings.TrimPrefix(remote, "~")), nil
}
