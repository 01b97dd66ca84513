package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "curbwise/pkg/domain"
)

func TestAccessorsReturnZeroValuesWhenUnset(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ActorID(ctx))
	assert.Empty(t, CorrelationID(ctx))
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, Namespace(ctx))
}

func TestRoundTrips(t *testing.T) {
	ctx := context.Background()
	ctx = WithActorID(ctx, id.UserID("usr_1"))
	ctx = WithCorrelationID(ctx, id.CorrelationID("cor_1"))
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithNamespace(ctx, "staging")

	assert.Equal(t, id.UserID("usr_1"), ActorID(ctx))
	assert.Equal(t, id.CorrelationID("cor_1"), CorrelationID(ctx))
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "staging", Namespace(ctx))
}

func TestNowPinsAndFallsBack(t *testing.T) {
	pinned := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	ctx := WithTime(context.Background(), pinned)
	assert.Equal(t, pinned, Now(ctx))

	before := time.Now()
	got := Now(context.Background())
	assert.False(t, got.Before(before), "unpinned context falls back to the wall clock")
}
