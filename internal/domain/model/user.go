package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the identity anchor every domain record hangs off.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Username      string     `json:"username,omitempty"`
	Addresses     []string   `json:"addresses"`
	Email         string     `json:"email,omitempty"`
	DID           string     `json:"did,omitempty"`
	IssuerID      string     `json:"issuerId,omitempty"`
	CredentialID  string     `json:"credentialId,omitempty"`
	Status        Status     `json:"status"`
	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Identity is the set of identifying fields supplied with an analysis request.
type Identity struct {
	Username  string
	Addresses []string
	Email     string
	DID       string
	IssuerID  string
}

// Normalize lower-cases addresses, trims whitespace and drops duplicates.
func (id Identity) Normalize() Identity {
	out := Identity{
		Username: strings.TrimSpace(id.Username),
		Email:    strings.TrimSpace(id.Email),
		DID:      strings.TrimSpace(id.DID),
		IssuerID: strings.TrimSpace(id.IssuerID),
	}
	out.Addresses = NormalizeAddresses(id.Addresses)
	return out
}

// NormalizeAddresses lower-cases, trims and de-duplicates addresses preserving order.
func NormalizeAddresses(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// HasAddress reports whether the user owns addr (case-insensitive).
func (u User) HasAddress(addr string) bool {
	addr = strings.ToLower(addr)
	for _, a := range u.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// DomainState is the persisted status of one domain.
type DomainState struct {
	Domain        Domain     `json:"domain"`
	Status        Status     `json:"status"`
	Error         string     `json:"error,omitempty"`
	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Profile is a user with every domain record loaded.
type Profile struct {
	User     User                   `json:"user"`
	States   map[Domain]DomainState `json:"states"`
	CodeHost *CodeHostData          `json:"codeHost,omitempty"`
	Chain    *ChainData             `json:"chain,omitempty"`
	Badges   *BadgeData             `json:"badges,omitempty"`
	Score    *ScoreRecord           `json:"score,omitempty"`
	Worth    *WorthRecord           `json:"worth,omitempty"`
}

// State returns the domain's state, or a PENDING placeholder when absent.
func (p *Profile) State(d Domain) DomainState {
	if s, ok := p.States[d]; ok {
		return s
	}
	return DomainState{Domain: d, Status: StatusPending}
}

// RequiredDomains lists the domains that must complete for the user to complete.
// Badges are best-effort and never required.
func (u User) RequiredDomains() []Domain {
	var out []Domain
	if u.Username != "" {
		out = append(out, DomainCodeHost)
	}
	if len(u.Addresses) > 0 {
		out = append(out, DomainChain)
	}
	return append(out, DomainScore, DomainWorth)
}
