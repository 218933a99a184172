package settings

import (
	"context"
	"path/filepath"
	"testing"

	"fyne.io/fyne/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-capture-go/internal/camera"
)

var (
	_ camera.SettingsStore = (*SQLiteStore)(nil)
	_ camera.SettingsStore = (*PreferencesStore)(nil)
	_ Store                = (*SQLiteStore)(nil)
	_ Store                = (*PreferencesStore)(nil)
)

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, camera.PreferredVideoSizesKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, camera.PreferredVideoSizesKey, []string{"720p", "cif"}))
	got, ok, err := s.Get(ctx, camera.PreferredVideoSizesKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"720p", "cif"}, got)

	require.NoError(t, s.Set(ctx, camera.PreferredVideoSizesKey, []string{"qcif"}))
	got, _, err = s.Get(ctx, camera.PreferredVideoSizesKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"qcif"}, got)

	require.NoError(t, s.Delete(ctx, camera.PreferredVideoSizesKey))
	_, ok, err = s.Get(ctx, camera.PreferredVideoSizesKey)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(ctx, "never.set"))
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLite(t))
}

func TestSQLiteStoreEmptyListIsPresent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", nil))
	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "b", []string{"2"}))
	require.NoError(t, s.Set(ctx, "a", []string{"1"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestPreferencesStore(t *testing.T) {
	app := test.NewApp()
	defer app.Quit()

	exerciseStore(t, NewPreferencesStore(app.Preferences()))
}

func TestStoresHonourCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	app := test.NewApp()
	defer app.Quit()
	p := NewPreferencesStore(app.Preferences())
	_, _, err := p.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = openSQLite(t).Get(ctx, "k")
	assert.Error(t, err)
}
