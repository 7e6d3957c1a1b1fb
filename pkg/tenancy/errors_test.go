package tenancy

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, StorageError("load role", nil))
	})

	t.Run("matches sentinel and cause", func(t *testing.T) {
		err := StorageError("load role", sql.ErrConnDone)
		assert.ErrorIs(t, err, ErrStorage)
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.Contains(t, err.Error(), "failed to load role")
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"denied", fmt.Errorf("tenant 1 -> 2: %w", ErrPermissionDenied), http.StatusForbidden},
		{"not found", fmt.Errorf("role 7: %w", ErrNotFound), http.StatusNotFound},
		{"duplicate", fmt.Errorf("role admin: %w", ErrDuplicate), http.StatusConflict},
		{"validation", Validate(false, "name is required"), http.StatusBadRequest},
		{"verification", ErrInvalidVerification, http.StatusBadRequest},
		{"storage", StorageError("insert", errors.New("boom")), http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "internal error", PublicMessage(StorageError("insert", errors.New("password=secret"))))
	assert.Equal(t, "invalid verification", PublicMessage(fmt.Errorf("code abc: %w", ErrInvalidVerification)))
	assert.Equal(t, "validation failed: name is required", PublicMessage(Validate(false, "name is required")))
	assert.Equal(t, "forbidden", PublicMessage(ErrPermissionDenied))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(true, "unused"))
	err := Validate(false, "tenant id must be positive")
	assert.ErrorIs(t, err, ErrValidation)
	assert.EqualError(t, err, "validation failed: tenant id must be positive")
}
