package store

import (
	"errors"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/models"
)

func TestAtomicClaimerLockFailure(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	tests := []struct {
		name     string
		err      error
		strict   bool
		wantErr  bool
		wantKind models.ErrorKind
	}{
		{name: "lock not available lenient", err: &pgconn.PgError{Code: pgLockNotAvailable}},
		{name: "feature not supported lenient", err: &pgconn.PgError{Code: pgFeatureNotSupported}},
		{name: "lock not available strict", err: &pgconn.PgError{Code: pgLockNotAvailable}, strict: true, wantErr: true},
		{name: "feature not supported strict", err: &pgconn.PgError{Code: pgFeatureNotSupported}, strict: true, wantErr: true},
		{
			name: "serialization failure is retryable", err: &pgconn.PgError{Code: pgSerializationFailure},
			wantErr: true, wantKind: models.KindStorage,
		},
		{name: "other error passes through", err: errors.New("syntax error"), strict: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewAtomicClaimer(Base{Log: log}, ClaimConfig{Strict: tt.strict})

			job, err := c.lockFailure("w", tt.err)
			if job != nil {
				t.Errorf("expected nil job, got %+v", job)
			}

			if !tt.wantErr {
				if err != nil {
					t.Errorf("expected nil error, got %v", err)
				}

				return
			}

			if !errors.Is(err, tt.err) {
				t.Errorf("expected error wrapping %v, got %v", tt.err, err)
			}

			if tt.wantKind != "" && models.KindOf(err) != tt.wantKind {
				t.Errorf("expected kind %q, got %q", tt.wantKind, models.KindOf(err))
			}
		})
	}
}
