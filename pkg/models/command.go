package models

import (
	"os"
	"strings"
)

// CommandBatch is an ordered group of remote shell commands.
// Joined batches run as one `a && b && c` invocation; otherwise each command
// runs separately and execution stops at the first non-zero exit.
type CommandBatch struct {
	Name     string   `json:"name,omitempty"`
	Commands []string `json:"commands"`
	Joined   bool     `json:"joined"`
}

// NewBatch creates an independent-invocation batch
func NewBatch(name string, commands ...string) CommandBatch {
	return CommandBatch{Name: name, Commands: commands}
}

// NewJoinedBatch creates a batch that runs as a single invocation
func NewJoinedBatch(name string, commands ...string) CommandBatch {
	return CommandBatch{Name: name, Commands: commands, Joined: true}
}

// Invocations returns the command strings that are sent to the remote shell
func (b CommandBatch) Invocations() []string {
	if len(b.Commands) == 0 {
		return nil
	}
	if b.Joined && len(b.Commands) > 1 {
		return []string{strings.Join(b.Commands, " && ")}
	}
	out := make([]string, len(b.Commands))
	copy(out, b.Commands)
	return out
}

// TransferJob copies a local file or directory to a remote path
type TransferJob struct {
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

// Recursive reports whether the local source is a directory
func (j TransferJob) Recursive() (bool, error) {
	info, err := os.Stat(j.LocalPath)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
