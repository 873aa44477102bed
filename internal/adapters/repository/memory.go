package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/klyro/internal/domain/model"
)

type domainRow struct {
	state model.DomainState
	data  []byte
}

// MemoryStore is a process-local Store. Payloads are kept as JSON so callers
// never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*model.User
	byUsername map[string]uuid.UUID
	byAddress  map[string]uuid.UUID
	domains    map[uuid.UUID]map[model.Domain]*domainRow
	now        func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		users:      make(map[uuid.UUID]*model.User),
		byUsername: make(map[string]uuid.UUID),
		byAddress:  make(map[string]uuid.UUID),
		domains:    make(map[uuid.UUID]map[model.Domain]*domainRow),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) UpsertUser(ctx context.Context, ident model.Identity) (model.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, false, err
	}
	ident = ident.Normalize()
	if ident.Username == "" && len(ident.Addresses) == 0 {
		return model.User{}, false, ErrInvalidIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var byName *uuid.UUID
	if ident.Username != "" {
		if id, ok := s.byUsername[strings.ToLower(ident.Username)]; ok {
			byName = &id
		}
	}
	byAddr := make(map[string]uuid.UUID)
	for _, a := range ident.Addresses {
		if id, ok := s.byAddress[a]; ok {
			byAddr[a] = id
		}
	}
	owner, found, err := resolveOwner(byName, byAddr)
	if err != nil {
		return model.User{}, false, err
	}

	now := s.now().UTC()
	var u *model.User
	if found {
		u = s.users[owner]
		if u.Username != "" && ident.Username != "" && !strings.EqualFold(u.Username, ident.Username) {
			return model.User{}, false, fmt.Errorf("%w: user already has username %s", ErrAddressOwned, u.Username)
		}
	} else {
		u = &model.User{ID: uuid.New(), Status: model.StatusPending, CreatedAt: now}
		s.users[u.ID] = u
		s.domains[u.ID] = make(map[model.Domain]*domainRow)
	}

	if u.Username == "" && ident.Username != "" {
		u.Username = ident.Username
		s.byUsername[strings.ToLower(ident.Username)] = u.ID
	}
	for _, a := range ident.Addresses {
		if !slices.Contains(u.Addresses, a) {
			u.Addresses = append(u.Addresses, a)
			s.byAddress[a] = u.ID
		}
	}
	mergeString(&u.Email, ident.Email)
	mergeString(&u.DID, ident.DID)
	mergeString(&u.IssuerID, ident.IssuerID)
	u.UpdatedAt = now

	return cloneUser(u), !found, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) FindUser(ctx context.Context, identifier string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return model.User{}, ErrNotFound
	}
	if id, err := uuid.Parse(identifier); err == nil {
		return s.GetUser(ctx, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	lower := strings.ToLower(identifier)
	if id, ok := s.byUsername[lower]; ok {
		return cloneUser(s.users[id]), nil
	}
	if id, ok := s.byAddress[lower]; ok {
		return cloneUser(s.users[id]), nil
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, identifier) || u.DID == identifier || u.IssuerID == identifier {
			return cloneUser(u), nil
		}
	}
	return model.User{}, ErrNotFound
}

func (s *MemoryStore) GetProfile(ctx context.Context, id uuid.UUID) (model.Profile, error) {
	if err := ctx.Err(); err != nil {
		return model.Profile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.Profile{}, ErrNotFound
	}
	p := model.Profile{User: cloneUser(u), States: make(map[model.Domain]model.DomainState)}
	for d, row := range s.domains[id] {
		p.States[d] = row.state
		if err := decodeDomain(&p, d, row.data); err != nil {
			return model.Profile{}, err
		}
	}
	return p, nil
}

func (s *MemoryStore) SetUserStatus(ctx context.Context, id uuid.UUID, status model.Status, fetchedAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	if fetchedAt != nil {
		t := fetchedAt.UTC()
		u.LastFetchedAt = &t
	}
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) SetCredential(ctx context.Context, id uuid.UUID, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.CredentialID = credentialID
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) InitDomains(ctx context.Context, id uuid.UUID, domains []model.Domain) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.domains[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	for _, d := range domains {
		if !d.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidDomain, d)
		}
		if _, exists := rows[d]; exists {
			continue
		}
		rows[d] = &domainRow{state: model.DomainState{Domain: d, Status: model.StatusPending, UpdatedAt: now}}
	}
	return nil
}

func (s *MemoryStore) SetDomainStatus(ctx context.Context, id uuid.UUID, d model.Domain, status model.Status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.row(id, d)
	if err != nil {
		return err
	}
	row.state.Status = status
	row.state.Error = errMsg
	row.state.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) SaveDomain(ctx context.Context, id uuid.UUID, d model.Domain, status model.Status, data any, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", d, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.row(id, d)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	row.data = raw
	row.state.Status = status
	row.state.Error = errMsg
	row.state.LastFetchedAt = &now
	row.state.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []model.User
	for _, u := range s.users {
		if u.Status != model.StatusCompleted || u.LastFetchedAt == nil || !u.LastFetchedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneUser(u))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastFetchedAt.Before(*out[j].LastFetchedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []model.User
	for _, u := range s.users {
		if u.Status.Terminal() || !u.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneUser(u))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// row returns the domain row, creating it when the user exists. Caller holds mu.
func (s *MemoryStore) row(id uuid.UUID, d model.Domain) (*domainRow, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDomain, d)
	}
	rows, ok := s.domains[id]
	if !ok {
		return nil, ErrNotFound
	}
	row, ok := rows[d]
	if !ok {
		row = &domainRow{state: model.DomainState{Domain: d, Status: model.StatusPending}}
		rows[d] = row
	}
	return row, nil
}

func cloneUser(u *model.User) model.User {
	c := *u
	c.Addresses = slices.Clone(u.Addresses)
	if u.LastFetchedAt != nil {
		t := *u.LastFetchedAt
		c.LastFetchedAt = &t
	}
	return c
}

func mergeString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}
