package token

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCredentialsValid_Margin(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"expires in 4 minutes", now.Add(4 * time.Minute), false},
		{"expires in 6 minutes", now.Add(6 * time.Minute), true},
		{"already expired", now.Add(-time.Second), false},
		{"expires exactly at the margin", now.Add(ExpiryMargin), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &Credentials{AccessToken: "at", Expiry: tt.expiry}
			require.Equal(t, tt.want, creds.Valid(now))
		})
	}
}

func TestCredentialsValid_Structural(t *testing.T) {
	now := time.Now()

	var nilCreds *Credentials
	require.False(t, nilCreds.Valid(now))
	require.False(t, (&Credentials{Expiry: now.Add(time.Hour)}).Valid(now))
	require.False(t, (&Credentials{AccessToken: "at"}).Valid(now))
}

func TestFileStore_SaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	store := NewFileStore(path)

	creds := &Credentials{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		Expiry:       time.Now().Add(time.Hour).UTC(),
		Scope:        []string{"https://www.googleapis.com/auth/calendar"},
		TokenType:    "Bearer",
	}
	require.NoError(t, store.Save(creds))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "at1", loaded.AccessToken)
	require.Equal(t, "rt1", loaded.RefreshToken)
	require.True(t, creds.Expiry.Equal(loaded.Expiry))

	require.NoError(t, store.Clear())
	loaded, err = store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist.json"))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestFileStore_InvalidRecordIsAMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"refresh_token":"rt only"}`), 0600))

	store := NewFileStore(path)
	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)

	// The bad record stays in place; only Clear removes it.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "rt only")
}

func TestFileStore_GarbageRecordIsAMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	loaded, err := NewFileStore(path).Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestFileStore_ClearMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, store.Clear())
}

func TestFileStore_SaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(&Credentials{
		AccessToken:  "old",
		RefreshToken: "old-rt",
		Expiry:       time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.Save(&Credentials{
		AccessToken: "new",
		Expiry:      time.Now().Add(time.Hour),
	}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "new", loaded.AccessToken)
	// Overwrite semantics: the old refresh token is not merged in.
	require.Empty(t, loaded.RefreshToken)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)

	require.NoError(t, store.Save(&Credentials{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}))
	loaded, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, "at", loaded.AccessToken)

	require.NoError(t, store.Clear())
	loaded, err = store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}
