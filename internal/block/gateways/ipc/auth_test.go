package ipc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/domain"
)

var testKey = bytes.Repeat([]byte{7}, masterKeySize)

func TestSignVerify(t *testing.T) {
	clk := &clock.MockClock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSigner(testKey, clk, 30*time.Second)
	v := NewVerifier(testKey, clk, 30*time.Second)

	tok, err := s.Sign(MethodStartBlock)
	require.NoError(t, err)
	assert.NoError(t, v.Verify(MethodStartBlock, tok))
}

func TestVerify_Rejections(t *testing.T) {
	clk := &clock.MockClock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSigner(testKey, clk, 30*time.Second)

	tests := []struct {
		name  string
		setup func(t *testing.T) (cmd, token string, v *Verifier)
	}{
		{
			name: "missing proof",
			setup: func(t *testing.T) (string, string, *Verifier) {
				return MethodStartBlock, "", NewVerifier(testKey, clk, 30*time.Second)
			},
		},
		{
			name: "proof for another command",
			setup: func(t *testing.T) (string, string, *Verifier) {
				tok, err := s.Sign(MethodUpdateBlocklist)
				require.NoError(t, err)
				return MethodStartBlock, tok, NewVerifier(testKey, clk, 30*time.Second)
			},
		},
		{
			name: "different master key",
			setup: func(t *testing.T) (string, string, *Verifier) {
				tok, err := NewSigner(bytes.Repeat([]byte{9}, masterKeySize), clk, 30*time.Second).Sign(MethodStartBlock)
				require.NoError(t, err)
				return MethodStartBlock, tok, NewVerifier(testKey, clk, 30*time.Second)
			},
		},
		{
			name: "expired",
			setup: func(t *testing.T) (string, string, *Verifier) {
				past := &clock.MockClock{CurrentTime: clk.Now().Add(-time.Minute)}
				tok, err := NewSigner(testKey, past, 30*time.Second).Sign(MethodStartBlock)
				require.NoError(t, err)
				return MethodStartBlock, tok, NewVerifier(testKey, clk, 30*time.Second)
			},
		},
		{
			name: "lifetime too long",
			setup: func(t *testing.T) (string, string, *Verifier) {
				tok, err := NewSigner(testKey, clk, time.Hour).Sign(MethodStartBlock)
				require.NoError(t, err)
				return MethodStartBlock, tok, NewVerifier(testKey, clk, 30*time.Second)
			},
		},
		{
			name: "garbage",
			setup: func(t *testing.T) (string, string, *Verifier) {
				return MethodStartBlock, "not.a.jwt", NewVerifier(testKey, clk, 30*time.Second)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, tok, v := tt.setup(t)
			err := v.Verify(cmd, tok)
			assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)
		})
	}
}

func TestVerify_RejectsReplay(t *testing.T) {
	clk := &clock.MockClock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSigner(testKey, clk, 0)
	v := NewVerifier(testKey, clk, 0)

	tok, err := s.Sign(MethodUpdateBlockEndDate)
	require.NoError(t, err)
	require.NoError(t, v.Verify(MethodUpdateBlockEndDate, tok))
	assert.ErrorIs(t, v.Verify(MethodUpdateBlockEndDate, tok), domain.ErrAuthorizationDenied)

	other, err := s.Sign(MethodUpdateBlockEndDate)
	require.NoError(t, err)
	assert.NoError(t, v.Verify(MethodUpdateBlockEndDate, other), "fresh jti is accepted")
}

func TestCommandKey_DiffersPerCommand(t *testing.T) {
	a, err := commandKey(testKey, MethodStartBlock)
	require.NoError(t, err)
	b, err := commandKey(testKey, MethodUpdateBlocklist)
	require.NoError(t, err)
	again, err := commandKey(testKey, MethodStartBlock)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	key, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, key, masterKeySize)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	again, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestLoadKey_RejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, testKey, 0o600))
	require.NoError(t, os.Chmod(path, 0o644))
	_, err := LoadKey(path)
	assert.Error(t, err)
	_, err = LoadOrCreateKey(path)
	assert.Error(t, err, "an unsafe existing key is not silently replaced")
}

func TestLoadKey_Missing(t *testing.T) {
	_, err := LoadKey(filepath.Join(t.TempDir(), "none"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
