package policy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store owns the on-disk policy document. All mutation goes through a
// locked read-modify-write cycle; the raw document is never handed out
// for in-place mutation. Within one host, concurrent allow-always
// decisions are serialized by the file lock: last writer wins on
// metadata fields, but entries are keyed by pattern identity and never
// lost.
type Store struct {
	path string
}

// NewStore binds a store to path. The document is created lazily with
// deny-by-default policy on first access.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("policy path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir policy dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Agent returns the effective stored policy for one agent, with unset
// axes filled from the document defaults.
func (s *Store) Agent(agentID string) (AgentPolicy, error) {
	var out AgentPolicy
	err := s.withLock(false, func(doc *Document) (bool, error) {
		out = doc.agent(agentID)
		return false, nil
	})
	return out, err
}

// Defaults returns the document-level default policy.
func (s *Store) Defaults() (AgentPolicy, error) {
	var out AgentPolicy
	err := s.withLock(false, func(doc *Document) (bool, error) {
		out = doc.Defaults
		return false, nil
	})
	return out, err
}

// Socket returns the approval socket path and token.
func (s *Store) Socket() (SocketInfo, error) {
	var out SocketInfo
	err := s.withLock(false, func(doc *Document) (bool, error) {
		out = doc.Socket
		return false, nil
	})
	return out, err
}

// RotateSocket installs a fresh capability token for the approval
// socket. Called whenever the approving UI (re)starts; any runner that
// cached the old token is invalidated.
func (s *Store) RotateSocket(socketPath string) (SocketInfo, error) {
	token, err := newToken()
	if err != nil {
		return SocketInfo{}, err
	}
	info := SocketInfo{Path: socketPath, Token: token}
	err = s.withLock(true, func(doc *Document) (bool, error) {
		doc.Socket = info
		return true, nil
	})
	if err != nil {
		return SocketInfo{}, err
	}
	return info, nil
}

// SetAgent replaces the stored override for one agent. Operator-facing;
// the dispatcher itself only mutates policy through allowlist upserts.
func (s *Store) SetAgent(agentID string, p AgentPolicy) error {
	if agentID == "" {
		return fmt.Errorf("agent id is empty")
	}
	if err := p.validate(); err != nil {
		return err
	}
	return s.withLock(true, func(doc *Document) (bool, error) {
		if doc.Agents == nil {
			doc.Agents = map[string]AgentPolicy{}
		}
		doc.Agents[agentID] = p
		return true, nil
	})
}

// SetDefaults replaces the document-level default policy.
func (s *Store) SetDefaults(p AgentPolicy) error {
	if err := p.validate(); err != nil {
		return err
	}
	return s.withLock(true, func(doc *Document) (bool, error) {
		doc.Defaults = p
		return true, nil
	})
}

// UpsertAllowlistEntry records an allow-always decision: appends a new
// entry for pattern or refreshes the existing one. Append-or-update by
// pattern identity, never by index.
func (s *Store) UpsertAllowlistEntry(agentID, pattern, command, resolvedPath string) error {
	if agentID == "" || pattern == "" {
		return fmt.Errorf("agent id and pattern are required")
	}
	now := time.Now().UTC()
	return s.withLock(true, func(doc *Document) (bool, error) {
		if doc.Agents == nil {
			doc.Agents = map[string]AgentPolicy{}
		}
		ap := doc.Agents[agentID]
		updated := false
		for i := range ap.Allowlist {
			if ap.Allowlist[i].Pattern == pattern {
				ap.Allowlist[i].Touch(command, resolvedPath, now)
				updated = true
				break
			}
		}
		if !updated {
			e := AllowlistEntry{Pattern: pattern}
			e.Touch(command, resolvedPath, now)
			ap.Allowlist = append(ap.Allowlist, e)
		}
		doc.Agents[agentID] = ap
		return true, nil
	})
}

// TouchAllowlistEntry refreshes usage metadata after a successful
// match. Missing entries are ignored: the match may have come from a
// default or skill-binary rule that has no stored entry.
func (s *Store) TouchAllowlistEntry(agentID, pattern, command, resolvedPath string) error {
	now := time.Now().UTC()
	return s.withLock(true, func(doc *Document) (bool, error) {
		ap, ok := doc.Agents[agentID]
		if !ok {
			return false, nil
		}
		for i := range ap.Allowlist {
			if ap.Allowlist[i].Pattern == pattern {
				ap.Allowlist[i].Touch(command, resolvedPath, now)
				doc.Agents[agentID] = ap
				return true, nil
			}
		}
		return false, nil
	})
}

// withLock runs fn against the current document under an exclusive
// lock. The lock lives on a sidecar file that is never renamed, so the
// atomic document replacement below cannot leave a second writer
// holding a lock on a stale inode. When fn reports a mutation and
// write is true, the updated document is written back before the lock
// is released.
func (s *Store) withLock(write bool, fn func(doc *Document) (bool, error)) error {
	lock, err := os.OpenFile(s.path+".lock", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open policy lock: %w", err)
	}
	defer lock.Close()

	if err := lockFileExclusive(lock); err != nil {
		return fmt.Errorf("lock policy: %w", err)
	}
	defer unlockFile(lock)

	doc, err := s.readDocumentLocked()
	if err != nil {
		return err
	}

	dirty, err := fn(doc)
	if err != nil {
		return err
	}
	if !dirty || !write {
		return nil
	}
	return s.writeDocumentLocked(doc)
}

func (s *Store) readDocumentLocked() (*Document, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) || (err == nil && len(b) == 0) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	if doc.Agents == nil {
		doc.Agents = map[string]AgentPolicy{}
	}
	return &doc, nil
}

// writeDocumentLocked writes doc next to the locked file and renames it
// into place. The rename keeps readers from ever observing a torn
// document; the lock serializes writers.
func (s *Store) writeDocumentLocked(doc *Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
