//go:build unit

package postgres

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath(t *testing.T) {
	t.Parallel()

	t.Run("relative directory resolves to an absolute path", func(t *testing.T) {
		t.Parallel()

		got, err := sanitizePath("migrations")
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(got))
		assert.Equal(t, "migrations", filepath.Base(got))
		assert.NotContains(t, got, "file:")
	})

	t.Run("absolute directory is preserved", func(t *testing.T) {
		t.Parallel()

		got, err := sanitizePath("/opt/app/migrations")
		require.NoError(t, err)
		assert.Equal(t, "/opt/app/migrations", got)
	})

	t.Run("parent traversal is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := sanitizePath("../migrations")
		assert.Error(t, err)
	})
}

func TestMigrationsSourceURL(t *testing.T) {
	t.Parallel()

	// The default "migrations" directory must survive the whole
	// sanitize-then-URL round trip as a usable file source.
	sanitized, err := sanitizePath("migrations")
	require.NoError(t, err)

	got, err := migrationsSourceURL(sanitized)
	require.NoError(t, err)
	assert.Equal(t, "file://"+sanitized, got)
	assert.NotContains(t, got, "file:/migrations")
}

func TestValidateDBName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dbName  string
		wantErr bool
	}{
		{name: "simple", dbName: "farmiq_edge", wantErr: false},
		{name: "underscore prefix", dbName: "_internal", wantErr: false},
		{name: "empty", dbName: "", wantErr: true},
		{name: "digit prefix", dbName: "1farmiq", wantErr: true},
		{name: "injection attempt", dbName: "farmiq; DROP TABLE x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validateDBName(tt.dbName)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeSensitiveError(t *testing.T) {
	t.Parallel()

	assert.Empty(t, sanitizeSensitiveError(nil))

	err := assert.AnError
	assert.Equal(t, err.Error(), sanitizeSensitiveError(err))

	got := sanitizeSensitiveError(
		errors.New("cannot connect to postgres://user:secret@db:5432/farmiq password=hunter2"),
	)
	assert.NotContains(t, got, "secret")
	assert.NotContains(t, got, "hunter2")
	assert.Contains(t, got, "://***@")
}
