package github

import "errors"

// Sentinel errors.
var (
	ErrUserNotFound = errors.New("github: user not found")
	ErrGraphQL      = errors.New("github: graphql error")
)
