package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/parley/internal/auth"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitList(" https://a.example, ,https://b.example "))
	assert.Nil(t, splitList(""))
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--data-dir", dir, "--user", "root", "--role", "admin"})
	require.NoError(t, root.Execute())

	jwtMgr, err := auth.LoadOrGenerate(dir, "parley")
	require.NoError(t, err)
	claims, err := jwtMgr.ValidateToken(string(bytes.TrimSpace(out.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, "root", claims.Username)
	assert.True(t, claims.IsAdmin())
}

func TestTokenCommand_RejectsUnknownRole(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", "--data-dir", t.TempDir(), "--user", "x", "--role", "owner"})
	assert.ErrorIs(t, root.Execute(), auth.ErrInvalidRole)
}
