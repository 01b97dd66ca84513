// Package domain defines the typed, prefixed identifiers shared across the
// curbwise backend. Every identifier is a short prefix plus a ULID suffix
// (e.g. "org_01jm5..."), so a raw string's type is visible in logs and
// documents without schema context.
package domain

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ID prefixes. The prefix is part of the persisted value, not display sugar.
const (
	PrefixOrganization   = "org_"
	PrefixProject        = "prj_"
	PrefixUser           = "usr_"
	PrefixIdempotencyKey = "idm_"
	PrefixActionRequest  = "acr_"
	PrefixCorrelation    = "cor_"
)

type (
	OrganizationID  string
	ProjectID       string
	UserID          string
	IdempotencyKey  string
	ActionRequestID string
	CorrelationID   string
)

func (id OrganizationID) String() string  { return string(id) }
func (id ProjectID) String() string       { return string(id) }
func (id UserID) String() string          { return string(id) }
func (k IdempotencyKey) String() string   { return string(k) }
func (id ActionRequestID) String() string { return string(id) }
func (id CorrelationID) String() string   { return string(id) }

func mint(prefix string) string {
	return prefix + strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

func NewOrganizationID() OrganizationID { return OrganizationID(mint(PrefixOrganization)) }
func NewProjectID() ProjectID           { return ProjectID(mint(PrefixProject)) }
func NewUserID() UserID                 { return UserID(mint(PrefixUser)) }
func NewIdempotencyKey() IdempotencyKey { return IdempotencyKey(mint(PrefixIdempotencyKey)) }
func NewCorrelationID() CorrelationID   { return CorrelationID(mint(PrefixCorrelation)) }

func parse(raw, prefix, kind string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%s id is required", kind)
	}
	suffix, ok := strings.CutPrefix(raw, prefix)
	if !ok || suffix == "" {
		return "", fmt.Errorf("%s id must start with %q and carry a suffix", kind, prefix)
	}
	return raw, nil
}

func ParseOrganizationID(raw string) (OrganizationID, error) {
	v, err := parse(raw, PrefixOrganization, "organization")
	return OrganizationID(v), err
}

func ParseProjectID(raw string) (ProjectID, error) {
	v, err := parse(raw, PrefixProject, "project")
	return ProjectID(v), err
}

func ParseUserID(raw string) (UserID, error) {
	v, err := parse(raw, PrefixUser, "user")
	return UserID(v), err
}

func ParseIdempotencyKey(raw string) (IdempotencyKey, error) {
	v, err := parse(raw, PrefixIdempotencyKey, "idempotency")
	return IdempotencyKey(v), err
}

func ParseCorrelationID(raw string) (CorrelationID, error) {
	v, err := parse(raw, PrefixCorrelation, "correlation")
	return CorrelationID(v), err
}

func ParseActionRequestID(raw string) (ActionRequestID, error) {
	v, err := parse(raw, PrefixActionRequest, "action request")
	return ActionRequestID(v), err
}

// ActionRequestIDFromKey derives the durable record id from the client's
// idempotency key by swapping the prefix ("idm_x" -> "acr_x"). The derivation
// is deterministic so the record id doubles as the deduplication key.
func ActionRequestIDFromKey(key IdempotencyKey) ActionRequestID {
	suffix := strings.TrimPrefix(string(key), PrefixIdempotencyKey)
	return ActionRequestID(PrefixActionRequest + suffix)
}
