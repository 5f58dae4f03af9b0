package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

var testRemote = &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 20456}

const testHostname = "203.0.113.7:20456"

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"tofu", "TOFU", " strict ", "insecure"} {
		_, err := ParsePolicy(name)
		assert.NoError(t, err, name)
	}

	_, err := ParsePolicy("")
	assert.Error(t, err, "policy must be named explicitly")

	_, err = ParsePolicy("autoadd")
	assert.Error(t, err)
}

func TestHostKeyCallback_TOFU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	cb, err := HostKeyCallback(PolicyTOFU, path, nil)
	require.NoError(t, err)

	first := newHostKey(t).PublicKey()

	// Unknown key is accepted and recorded
	require.NoError(t, cb(testHostname, testRemote, first))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[203.0.113.7]:20456 ssh-ed25519 "))

	// Same key is accepted without another line
	require.NoError(t, cb(testHostname, testRemote, first))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))

	// Changed key is rejected
	err = cb(testHostname, testRemote, newHostKey(t).PublicKey())
	require.Error(t, err)
	var hkErr *HostKeyError
	require.ErrorAs(t, err, &hkErr)
	assert.Contains(t, hkErr.KnownHost, "known_hosts:1")
	assert.False(t, IsConnectionRefused(err))
}

func TestHostKeyCallback_TOFUSurvivesNewCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := newHostKey(t).PublicKey()

	cb, err := HostKeyCallback(PolicyTOFU, path, nil)
	require.NoError(t, err)
	require.NoError(t, cb(testHostname, testRemote, key))

	strict, err := HostKeyCallback(PolicyStrict, path, nil)
	require.NoError(t, err)
	assert.NoError(t, strict(testHostname, testRemote, key))
}

func TestHostKeyCallback_StrictRejectsUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	cb, err := HostKeyCallback(PolicyStrict, path, nil)
	require.NoError(t, err)

	err = cb(testHostname, testRemote, newHostKey(t).PublicKey())
	var hkErr *HostKeyError
	require.ErrorAs(t, err, &hkErr)
	assert.Empty(t, hkErr.KnownHost)
}

func TestHostKeyCallback_StrictMissingFile(t *testing.T) {
	_, err := HostKeyCallback(PolicyStrict, filepath.Join(t.TempDir(), "absent"), nil)
	assert.Error(t, err)
}

func TestHostKeyCallback_Insecure(t *testing.T) {
	cb, err := HostKeyCallback(PolicyInsecure, "", nil)
	require.NoError(t, err)
	assert.NoError(t, cb(testHostname, testRemote, newHostKey(t).PublicKey()))
}

func TestHostKeys_TrustScopedToInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	first := newHostKey(t).PublicKey()
	second := newHostKey(t).PublicKey()

	// First rental on the address records its key
	h, err := NewHostKeys(PolicyTOFU, path, nil)
	require.NoError(t, err)
	require.NoError(t, h.Callback()(testHostname, testRemote, first))

	// Within the same instance a changed key is still rejected
	err = h.Callback()(testHostname, testRemote, second)
	var hkErr *HostKeyError
	require.ErrorAs(t, err, &hkErr)

	// A later start gets a new instance on the same ip:port
	next, err := NewHostKeys(PolicyTOFU, path, nil)
	require.NoError(t, err)
	removed, err := next.Forget(testHostname)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, next.Callback()(testHostname, testRemote, second), "new instance is trusted on first use")

	// and its key is pinned for the rest of its lifetime
	err = next.Callback()(testHostname, testRemote, first)
	require.ErrorAs(t, err, &hkErr)
	assert.Contains(t, hkErr.KnownHost, "known_hosts:1")
}

func TestHostKeys_ForgetKeepsOtherHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	h, err := NewHostKeys(PolicyTOFU, path, nil)
	require.NoError(t, err)

	other := &net.TCPAddr{IP: net.ParseIP("198.51.100.4"), Port: 22}
	otherKey := newHostKey(t).PublicKey()
	require.NoError(t, h.Callback()(testHostname, testRemote, newHostKey(t).PublicKey()))
	require.NoError(t, h.Callback()("198.51.100.4:22", other, otherKey))

	removed, err := h.Forget("203.0.113.7:20456")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "203.0.113.7")
	assert.Contains(t, string(data), "198.51.100.4 ")

	strict, err := HostKeyCallback(PolicyStrict, path, nil)
	require.NoError(t, err)
	assert.NoError(t, strict("198.51.100.4:22", other, otherKey))

	removed, err = h.Forget("203.0.113.7:20456")
	require.NoError(t, err)
	assert.Zero(t, removed, "nothing left to forget")
}

func TestHostKeys_ForgetIgnoredOutsideTOFU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := newHostKey(t).PublicKey()

	tofu, err := NewHostKeys(PolicyTOFU, path, nil)
	require.NoError(t, err)
	require.NoError(t, tofu.Callback()(testHostname, testRemote, key))

	strict, err := NewHostKeys(PolicyStrict, path, nil)
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, strict.Policy())
	removed, err := strict.Forget(testHostname)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.NoError(t, strict.Callback()(testHostname, testRemote, key), "operator managed keys stay")

	insecure, err := NewHostKeys(PolicyInsecure, "", nil)
	require.NoError(t, err)
	removed, err = insecure.Forget(testHostname)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
