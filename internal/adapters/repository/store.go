// Package repository persists users and their per-domain records.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okian/klyro/internal/domain/model"
)

// Store provides read/write access to users and domain records. Writes to
// one (user, domain) pair are atomic.
type Store interface {
	// UpsertUser creates a user or merges the identity into the existing one
	// found by username or any address. created reports whether a new user
	// was inserted. Returns ErrAddressOwned if an address belongs to a
	// different user.
	UpsertUser(ctx context.Context, id model.Identity) (user model.User, created bool, err error)

	// GetUser returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)

	// FindUser resolves a user by id, username, address, email, DID or issuer id.
	FindUser(ctx context.Context, identifier string) (model.User, error)

	// GetProfile loads the user with every domain record in one call.
	GetProfile(ctx context.Context, id uuid.UUID) (model.Profile, error)

	// SetUserStatus updates the aggregate status. A non-nil fetchedAt also
	// updates the last-fetched timestamp.
	SetUserStatus(ctx context.Context, id uuid.UUID, status model.Status, fetchedAt *time.Time) error

	// SetCredential stores the issued credential id.
	SetCredential(ctx context.Context, id uuid.UUID, credentialID string) error

	// InitDomains creates PENDING rows for the listed domains that have none.
	InitDomains(ctx context.Context, id uuid.UUID, domains []model.Domain) error

	// SetDomainStatus updates one domain's status, keeping its data.
	SetDomainStatus(ctx context.Context, id uuid.UUID, domain model.Domain, status model.Status, errMsg string) error

	// SaveDomain replaces one domain's data and status and stamps its
	// last-fetched time.
	SaveDomain(ctx context.Context, id uuid.UUID, domain model.Domain, status model.Status, data any, errMsg string) error

	// ListStale returns completed users last fetched before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.User, error)

	// ListStuck returns users left PENDING or PROCESSING since before
	// cutoff, least recently updated first. Their job was lost.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]model.User, error)

	Close() error
}

// decodeDomain unmarshals a stored payload into the matching profile field.
func decodeDomain(p *model.Profile, d model.Domain, raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var target any
	switch d {
	case model.DomainCodeHost:
		p.CodeHost = &model.CodeHostData{}
		target = p.CodeHost
	case model.DomainChain:
		p.Chain = &model.ChainData{}
		target = p.Chain
	case model.DomainBadge:
		p.Badges = &model.BadgeData{}
		target = p.Badges
	case model.DomainScore:
		p.Score = &model.ScoreRecord{}
		target = p.Score
	case model.DomainWorth:
		p.Worth = &model.WorthRecord{}
		target = p.Worth
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDomain, d)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s record: %w", d, err)
	}
	return nil
}

// resolveOwner picks the user an identity belongs to. byName is the user
// matching the username, byAddr maps each already-claimed address to its
// owner. ok is false when no existing user matches.
func resolveOwner(byName *uuid.UUID, byAddr map[string]uuid.UUID) (owner uuid.UUID, ok bool, err error) {
	if byName != nil {
		owner, ok = *byName, true
	}
	for addr, uid := range byAddr {
		if !ok {
			owner, ok = uid, true
			continue
		}
		if uid != owner {
			return uuid.Nil, false, fmt.Errorf("%w: %s", ErrAddressOwned, addr)
		}
	}
	return owner, ok, nil
}
