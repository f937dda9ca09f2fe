// Package transport abstracts how a serialized fire payload reaches an agent.
// Exactly one implementation is live at a time; there is no fallback chain.
package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrAgentUnavailable means the transport has no live channel to the agent.
	ErrAgentUnavailable = errors.New("transport: agent unavailable")
)

// Transport delivers one payload to one agent identity.
type Transport interface {
	// Send delivers the payload or returns an error. Delivery is
	// fire-and-forget; idempotency is the fire_id's job on the remote side.
	Send(agentID string, payload []byte) error
	// Name identifies the adapter in logs and outcome rows.
	Name() string
}

// FileDrop writes each payload as a JSON file into a per-agent directory,
// for terminals that poll a shared folder instead of holding a socket open.
type FileDrop struct {
	dir string
}

// NewFileDrop creates the adapter rooted at dir.
func NewFileDrop(dir string) (*FileDrop, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create drop dir: %w", err)
	}
	return &FileDrop{dir: dir}, nil
}

// Name implements Transport.
func (f *FileDrop) Name() string { return "filedrop" }

// Send writes the payload via a temp file and rename so the polling side
// never observes a partial write.
func (f *FileDrop) Send(agentID string, payload []byte) error {
	if agentID == "" {
		return ErrAgentUnavailable
	}
	agentDir := filepath.Join(f.dir, agentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("create agent drop dir: %w", err)
	}

	name := fmt.Sprintf("fire_%d.json", time.Now().UnixNano())
	tmp := filepath.Join(agentDir, name+".tmp")
	final := filepath.Join(agentDir, name)

	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write drop file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish drop file: %w", err)
	}
	return nil
}
