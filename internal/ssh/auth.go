package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// PrivateKeyPath derives the private key path from a public key path
func PrivateKeyPath(publicKeyPath string) string {
	return strings.TrimSuffix(publicKeyPath, ".pub")
}

// Auth holds the client authentication methods and the agent connection, if any
type Auth struct {
	Methods []ssh.AuthMethod
	agent   net.Conn
}

// Close releases the agent connection
func (a *Auth) Close() error {
	if a.agent != nil {
		return a.agent.Close()
	}
	return nil
}

// LoadAuth collects the private key at privateKeyPath and, when SSH_AUTH_SOCK
// is set, the keys held by ssh-agent. A missing or passphrase protected key
// file is skipped as long as the agent can sign instead.
func LoadAuth(privateKeyPath string, logger *slog.Logger) (*Auth, error) {
	if logger == nil {
		logger = slog.Default()
	}

	auth := &Auth{}

	if privateKeyPath != "" {
		signer, err := loadSigner(privateKeyPath)
		switch {
		case err == nil:
			auth.Methods = append(auth.Methods, ssh.PublicKeys(signer))
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("private key not found", slog.String("path", privateKeyPath))
		default:
			logger.Warn("skipping private key", slog.String("path", privateKeyPath), slog.String("error", err.Error()))
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logger.Warn("failed to reach ssh-agent", slog.String("error", err.Error()))
		} else {
			auth.agent = conn
			auth.Methods = append(auth.Methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(auth.Methods) == 0 {
		return nil, ErrNoAuthMethods
	}
	return auth, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is passphrase protected; load it into ssh-agent", path)
		}
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}
