package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjector_WritesVerbatim(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "android"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "android", "play-store-credentials.json"), []byte("old"), 0644))

	inj := NewInjector("android", "play-store-credentials.json", nil)
	blob := []byte(`{"type":"service_account"}`)
	require.NoError(t, inj.Inject(ws, blob))

	data, err := os.ReadFile(filepath.Join(ws, "android", "play-store-credentials.json"))
	require.NoError(t, err)
	assert.Equal(t, blob, data)

	entries, err := os.ReadDir(filepath.Join(ws, "android"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not remain")
	assert.Equal(t, "android/play-store-credentials.json", inj.RelPath())
}

func TestInjector_MissingSubDir(t *testing.T) {
	ws := t.TempDir()
	inj := NewInjector("android", "play-store-credentials.json", nil)

	err := inj.Inject(ws, []byte("secret"))
	var layoutErr *builderrors.WorkspaceLayoutError
	require.True(t, errors.As(err, &layoutErr))
	assert.Equal(t, "android", layoutErr.SubDir)

	entries, err := os.ReadDir(ws)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial credential may be left behind")
}

func TestInjector_SubPathIsFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "android"), []byte("not a dir"), 0644))

	err := NewInjector("android", "creds.json", nil).Inject(ws, []byte("secret"))
	var layoutErr *builderrors.WorkspaceLayoutError
	assert.True(t, errors.As(err, &layoutErr))
}

func TestSource_Resolve(t *testing.T) {
	ctx := context.Background()
	fallback := filepath.Join(t.TempDir(), "fallback.json")
	require.NoError(t, os.WriteFile(fallback, []byte("fallback"), 0600))

	t.Run("company credential wins", func(t *testing.T) {
		src := NewSource(fallback, nil, nil)
		blob, err := src.Resolve(ctx, &models.Company{ID: "7", StoreCredential: []byte("own")})
		require.NoError(t, err)
		assert.Equal(t, "own", string(blob))
	})

	t.Run("fallback file", func(t *testing.T) {
		src := NewSource(fallback, nil, nil)
		blob, err := src.Resolve(ctx, &models.Company{ID: "7"})
		require.NoError(t, err)
		assert.Equal(t, "fallback", string(blob))
	})

	t.Run("neither", func(t *testing.T) {
		src := NewSource(filepath.Join(t.TempDir(), "absent.json"), nil, nil)
		_, err := src.Resolve(ctx, &models.Company{ID: "7"})
		var missing *builderrors.CredentialMissingError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, "7", missing.CompanyID)
	})

	t.Run("encrypted company credential", func(t *testing.T) {
		_, identity, err := secrets.GenerateKeyPair()
		require.NoError(t, err)
		sealer, err := secrets.NewSealer(secrets.Config{Identity: identity}, nil)
		require.NoError(t, err)

		sealed, err := sealer.Seal(ctx, []byte("own"))
		require.NoError(t, err)

		src := NewSource("", sealer, nil)
		blob, err := src.Resolve(ctx, &models.Company{ID: "7", StoreCredential: sealed, StoreCredentialEncrypted: true})
		require.NoError(t, err)
		assert.Equal(t, "own", string(blob))

		_, err = NewSource("", nil, nil).Resolve(ctx, &models.Company{ID: "7", StoreCredential: sealed, StoreCredentialEncrypted: true})
		assert.ErrorIs(t, err, secrets.ErrNoIdentity)
	})
}
