// Package system reads the per-namespace operational flags. The only flag
// today is triggersEnabled, the operator escape hatch that stops the reactive
// action path entirely.
//
// Reads fail open: a missing flag document or an unreachable store means
// triggers run. Infra misconfiguration must not silently stop processing.
package system

import (
	"context"
	"log/slog"
	"time"

	"curbwise/internal/docstore"
	platformredis "curbwise/internal/platform/redis"
)

const (
	CollectionSystem = "system"
	flagsDocID       = "flags"
	cacheTTL         = 30 * time.Second
)

// Flags is the per-namespace flag document. Pointer fields distinguish
// "absent" from "false"; absent fails open.
type Flags struct {
	TriggersEnabled *bool `json:"triggersEnabled,omitempty"`
}

// Service reads flags with an optional redis read-through cache.
type Service struct {
	store docstore.Store
	cache *platformredis.Client
	log   *slog.Logger
}

func New(store docstore.Store, cache *platformredis.Client, log *slog.Logger) *Service {
	return &Service{store: store, cache: cache, log: log}
}

// TriggersEnabled reports whether the reactive path may run. Every failure
// mode returns true.
func (s *Service) TriggersEnabled(ctx context.Context) bool {
	if v, ok := s.cached(ctx); ok {
		return v
	}

	var flags Flags
	found, err := s.store.Collection(CollectionSystem).ReadOrNull(ctx, flagsDocID, &flags)
	if err != nil {
		s.log.WarnContext(ctx, "flag read failed, failing open", "error", err)
		return true
	}
	enabled := true
	if found && flags.TriggersEnabled != nil {
		enabled = *flags.TriggersEnabled
	}
	s.remember(ctx, enabled)
	return enabled
}

// SetTriggersEnabled writes the flag. Operator tooling only.
func (s *Service) SetTriggersEnabled(ctx context.Context, enabled bool) error {
	err := s.store.Collection(CollectionSystem).Write(ctx, flagsDocID, Flags{TriggersEnabled: &enabled})
	if err != nil {
		return err
	}
	s.remember(ctx, enabled)
	return nil
}

func (s *Service) cacheKey() string {
	return "curbwise:" + s.store.Namespace() + ":triggersEnabled"
}

func (s *Service) cached(ctx context.Context) (bool, bool) {
	if s.cache == nil {
		return false, false
	}
	raw, err := s.cache.Get(ctx, s.cacheKey()).Result()
	if err != nil {
		return false, false
	}
	return raw == "1", true
}

func (s *Service) remember(ctx context.Context, enabled bool) {
	if s.cache == nil {
		return
	}
	value := "0"
	if enabled {
		value = "1"
	}
	// Cache write failures are ignored; the store read stays authoritative.
	_ = s.cache.Set(ctx, s.cacheKey(), value, cacheTTL).Err()
}
