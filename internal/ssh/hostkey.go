package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy names how host keys are verified
type HostKeyPolicy string

const (
	// PolicyTOFU trusts a host's first key, records it, and rejects later changes
	PolicyTOFU HostKeyPolicy = "tofu"
	// PolicyStrict only accepts keys already present in the known hosts file
	PolicyStrict HostKeyPolicy = "strict"
	// PolicyInsecure accepts any host key
	PolicyInsecure HostKeyPolicy = "insecure"
)

// ParsePolicy validates a policy name
func ParsePolicy(name string) (HostKeyPolicy, error) {
	switch p := HostKeyPolicy(strings.ToLower(strings.TrimSpace(name))); p {
	case PolicyTOFU, PolicyStrict, PolicyInsecure:
		return p, nil
	case "":
		return "", fmt.Errorf("host key policy must be set (tofu, strict or insecure)")
	default:
		return "", fmt.Errorf("unknown host key policy %q (want tofu, strict or insecure)", name)
	}
}

// HostKeys verifies host keys under one policy. Rented machines reuse
// addresses: a new instance on a node can get the same ip:port as an earlier
// one with a fresh key. Under tofu, trust is therefore scoped to one instance.
// Forget drops what was recorded for an address before a new instance takes it
// over; a key change within one instance's lifetime, such as across a reboot,
// is still rejected.
type HostKeys struct {
	policy   HostKeyPolicy
	callback ssh.HostKeyCallback
	tofu     *tofuStore
}

// NewHostKeys builds the verifier for policy. knownHostsPath is required
// for tofu and strict.
func NewHostKeys(policy HostKeyPolicy, knownHostsPath string, logger *slog.Logger) (*HostKeys, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HostKeys{policy: policy}

	switch policy {
	case PolicyInsecure:
		logger.Warn("host key verification disabled")
		h.callback = ssh.InsecureIgnoreHostKey()

	case PolicyStrict:
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHostsPath, err)
		}
		h.callback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return wrapKeyError(hostname, cb(hostname, remote, key))
		}

	case PolicyTOFU:
		store := &tofuStore{path: knownHostsPath, logger: logger}
		if err := store.ensure(); err != nil {
			return nil, err
		}
		h.tofu = store
		h.callback = store.check

	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}

	return h, nil
}

// Policy returns the policy the verifier was built with
func (h *HostKeys) Policy() HostKeyPolicy {
	return h.policy
}

// Callback returns the callback for ssh.ClientConfig
func (h *HostKeys) Callback() ssh.HostKeyCallback {
	return h.callback
}

// Forget drops recorded keys for addr (host:port) and returns how many
// entries were removed. Only tofu records keys; strict known hosts are
// managed by the operator and left alone.
func (h *HostKeys) Forget(addr string) (int, error) {
	if h.tofu == nil {
		return 0, nil
	}
	return h.tofu.forget(addr)
}

// HostKeyCallback builds the callback for policy. knownHostsPath is required
// for tofu and strict.
func HostKeyCallback(policy HostKeyPolicy, knownHostsPath string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	h, err := NewHostKeys(policy, knownHostsPath, logger)
	if err != nil {
		return nil, err
	}
	return h.Callback(), nil
}

// tofuStore appends unknown host keys to a known hosts file
type tofuStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func (s *tofuStore) ensure() error {
	if s.path == "" {
		return fmt.Errorf("known hosts path is required for the tofu policy")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create known hosts directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create known hosts file: %w", err)
	}
	return f.Close()
}

func (s *tofuStore) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reload every time so keys recorded earlier in this process are seen
	cb, err := knownhosts.New(s.path)
	if err != nil {
		return fmt.Errorf("failed to load known hosts %s: %w", s.path, err)
	}

	err = cb(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
		return wrapKeyError(hostname, err)
	}

	line := knownhosts.Line([]string{hostname}, key)
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known hosts for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}

	s.logger.Info("recorded new host key",
		slog.String("host", knownhosts.Normalize(hostname)),
		slog.String("type", key.Type()),
		slog.String("fingerprint", ssh.FingerprintSHA256(key)))
	return nil
}

// forget rewrites the known hosts file without the entries for addr.
// Lines that do not parse are kept as they are.
func (s *tofuStore) forget(addr string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read known hosts %s: %w", s.path, err)
	}

	target := knownhosts.Normalize(addr)
	var kept []string
	removed := 0
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if matchesHost(line, target) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "")), 0600); err != nil {
		return 0, fmt.Errorf("failed to write known hosts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to replace known hosts: %w", err)
	}

	s.logger.Info("forgot recorded host keys",
		slog.String("host", target),
		slog.Int("entries", removed))
	return removed, nil
}

// matchesHost reports whether a known hosts line lists target among its hosts
func matchesHost(line, target string) bool {
	marker, hosts, _, _, _, err := ssh.ParseKnownHosts([]byte(line))
	if err != nil || marker != "" {
		return false
	}
	for _, h := range hosts {
		if knownhosts.Normalize(h) == target {
			return true
		}
	}
	return false
}

func wrapKeyError(hostname string, err error) error {
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	hkErr := &HostKeyError{Host: knownhosts.Normalize(hostname), Err: err}
	if len(keyErr.Want) > 0 {
		want := keyErr.Want[0]
		hkErr.KnownHost = fmt.Sprintf("%s:%d", want.Filename, want.Line)
	}
	return hkErr
}
