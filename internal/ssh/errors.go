package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrNotConnected is returned when a session is used before Connect or after Close
	ErrNotConnected = errors.New("session not connected")

	// ErrNoAuthMethods is returned when neither a private key nor an agent is available
	ErrNoAuthMethods = errors.New("no SSH authentication methods available")
)

// HostKeyError is returned when a host presents a key that differs from the recorded one
type HostKeyError struct {
	Host      string
	KnownHost string // file:line of the conflicting entry
	Err       error
}

func (e *HostKeyError) Error() string {
	if e.KnownHost != "" {
		return fmt.Sprintf("host key for %s does not match %s", e.Host, e.KnownHost)
	}
	return fmt.Sprintf("host key for %s is not trusted: %v", e.Host, e.Err)
}

func (e *HostKeyError) Unwrap() error {
	return e.Err
}

// IsConnectionRefused reports whether err means the host is not accepting SSH yet.
// These are the errors worth retrying while a freshly started or rebooted
// machine brings up sshd.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}

	var hostErr *HostKeyError
	var keyErr *knownhosts.KeyError
	if errors.As(err, &hostErr) || errors.As(err, &keyErr) {
		return false
	}

	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Some handshake failures only keep the underlying cause as text
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.HasSuffix(msg, "handshake failed: EOF")
}

// classifyConnectError returns a short label for connect metrics
func classifyConnectError(err error) string {
	if IsConnectionRefused(err) {
		return "refused"
	}
	return "failed"
}
