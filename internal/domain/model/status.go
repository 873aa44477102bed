// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
)

// Status is the processing state of a user or one of its domains.
type Status string

// Processing states.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no job is expected to move s any further.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Domain names one independently tracked part of a user's profile.
type Domain string

// Tracked domains. CodeHost, Chain and Badge are fetched from external
// sources; Score and Worth are derived from them.
const (
	DomainCodeHost Domain = "codehost"
	DomainChain    Domain = "chain"
	DomainBadge    Domain = "badge"
	DomainScore    Domain = "score"
	DomainWorth    Domain = "worth"
)

// FetchedDomains lists the domains backed by external connectors.
var FetchedDomains = []Domain{DomainCodeHost, DomainChain, DomainBadge} //nolint:gochecknoglobals // fixed enumeration

// AllDomains lists every tracked domain.
var AllDomains = []Domain{DomainCodeHost, DomainChain, DomainBadge, DomainScore, DomainWorth} //nolint:gochecknoglobals // fixed enumeration

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	for _, x := range AllDomains {
		if x == d {
			return true
		}
	}
	return false
}
