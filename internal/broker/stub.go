package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stub is the inert variant for tools that need no real credentials. It
// still tracks issued ids so RevokeSession reports what would have been
// revoked, which keeps quarantine timelines truthful in development.
type Stub struct {
	mu     sync.Mutex
	bySess map[string][]string
}

// NewStub creates the inert variant.
func NewStub() *Stub {
	return &Stub{bySess: make(map[string][]string)}
}

func (s *Stub) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*Credential, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	id := "cred-" + uuid.NewString()
	s.mu.Lock()
	s.bySess[sessionID] = append(s.bySess[sessionID], id)
	s.mu.Unlock()
	return &Credential{
		CredentialID: id,
		SessionID:    sessionID,
		ToolName:     toolName,
		Scope:        scope,
		Token:        "stub",
		ExpiresAt:    time.Now().UTC().Add(ttl),
	}, nil
}

func (s *Stub) RevokeCredential(ctx context.Context, credentialID, reason string) error {
	return nil
}

func (s *Stub) RevokeSession(ctx context.Context, sessionID, reason string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bySess[sessionID]
	delete(s.bySess, sessionID)
	return ids, nil
}
