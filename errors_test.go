package memtier

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("with underlying error", func(t *testing.T) {
		err := &Error{
			Op:   "Engine.Query",
			Kind: KindTierUnavailable,
			Err:  ErrTierUnavailable,
		}
		assert.Equal(t, "memtier: Engine.Query (tier_unavailable): tier unavailable", err.Error())
	})

	t.Run("without underlying error", func(t *testing.T) {
		err := &Error{Op: "Engine.Write", Kind: KindValidation}
		assert.Equal(t, "memtier: Engine.Write: validation", err.Error())
	})

	t.Run("with context", func(t *testing.T) {
		err := &Error{
			Op:      "Engine.Read",
			Kind:    KindTierUnavailable,
			Err:     ErrTierUnavailable,
			Context: map[string]any{"tier": "long"},
		}
		assert.Contains(t, err.Error(), "tier:long")
	})
}

func TestErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("dial tcp: connection refused")
	err := NewTierUnavailableError("Engine.Read", fmt.Errorf("%w: %w", ErrTierUnavailable, inner))

	assert.ErrorIs(t, err, ErrTierUnavailable)
	assert.ErrorIs(t, err, inner)

	var structured *Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, "Engine.Read", structured.Op)
	assert.Equal(t, KindTierUnavailable, structured.Kind)
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := NewConfigurationError("memtier.New", ErrInvalidConfig)

	t.Run("kind only", func(t *testing.T) {
		assert.ErrorIs(t, err, &Error{Kind: KindConfiguration})
	})

	t.Run("kind and op", func(t *testing.T) {
		assert.ErrorIs(t, err, &Error{Op: "memtier.New", Kind: KindConfiguration})
	})

	t.Run("wrong op", func(t *testing.T) {
		assert.NotErrorIs(t, err, &Error{Op: "Engine.Query", Kind: KindConfiguration})
	})

	t.Run("wrong kind", func(t *testing.T) {
		assert.NotErrorIs(t, err, &Error{Kind: KindQueryTimeout})
	})
}

func TestErrorWithContext(t *testing.T) {
	base := NewValidationError("Engine.Write", errors.New("nil record"))
	withCtx := base.WithContext(map[string]any{"tier": "short"})

	assert.Nil(t, base.Context, "original error untouched")
	assert.Equal(t, "short", withCtx.Context["tier"])

	more := withCtx.WithContext(map[string]any{"entity_id": "e-1"})
	assert.Equal(t, "short", more.Context["tier"])
	assert.Equal(t, "e-1", more.Context["entity_id"])
	assert.NotContains(t, withCtx.Context, "entity_id")
}

func TestErrorConstructors(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		name string
		err  *Error
		kind string
	}{
		{"tier unavailable", NewTierUnavailableError("op", cause), KindTierUnavailable},
		{"configuration", NewConfigurationError("op", cause), KindConfiguration},
		{"validation", NewValidationError("op", cause), KindValidation},
		{"timeout", NewTimeoutError("op", cause), KindQueryTimeout},
		{"internal", NewInternalError("op", cause), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, "op", tt.err.Op)
			assert.ErrorIs(t, tt.err, cause)
		})
	}
}
