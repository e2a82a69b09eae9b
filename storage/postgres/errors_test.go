package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestStoreError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		rejected bool
	}{
		{"unsupported unicode escape", &pgconn.PgError{Code: "22P05"}, true},
		{"invalid text representation", &pgconn.PgError{Code: "22P02"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped data exception", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "22021"}), true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, false},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, false},
		{"deadline", context.DeadlineExceeded, false},
		{"plain error", errors.New("connection reset by peer"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeError("claim event", tt.err)

			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "claim event")
			if tt.rejected {
				assert.ErrorIs(t, err, entitlement.ErrStoreRejected)
				assert.NotErrorIs(t, err, entitlement.ErrStoreUnavailable)
				assert.False(t, entitlement.IsInfrastructureError(err), "rejected writes must not trip the breaker")
			} else {
				assert.ErrorIs(t, err, entitlement.ErrStoreUnavailable)
				assert.True(t, entitlement.IsInfrastructureError(err))
			}
		})
	}
}
