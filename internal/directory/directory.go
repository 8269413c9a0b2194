package directory

import (
	"context"
	"sync"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

// MemoryDirectory is a concurrency-safe in-process user directory for
// development and tests. In deployment the directory lives in the CRUD
// application; this service only consumes the lookup.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*model.User // normalized identifier -> user
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users: make(map[string]*model.User),
	}
}

// AddUser registers a user under its normalized identifier.
func (d *MemoryDirectory) AddUser(user *model.User) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *user
	cp.Identifier = util.NormalizeIdentifier(cp.Identifier)
	d.users[cp.Identifier] = &cp
}

// ResolveUser returns the user for the identifier, or nil when unknown or
// belonging to a different tenant.
func (d *MemoryDirectory) ResolveUser(_ context.Context, identifier, tenantID string) (*model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.users[util.NormalizeIdentifier(identifier)]
	if !ok {
		return nil, nil
	}
	if tenantID != "" && user.TenantID != tenantID {
		return nil, nil
	}
	cp := *user
	return &cp, nil
}
