// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	tok := New()
	assert.True(t, strings.HasPrefix(tok.String(), "gt-"))

	parsed, err := Parse(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
	assert.Equal(t, tok.String(), parsed.String())
}

func TestTokenEntropy(t *testing.T) {
	t.Parallel()

	tok := New()
	for _, part := range []string{tok.Key, tok.Secret} {
		raw, err := base64.RawURLEncoding.DecodeString(part)
		require.NoError(t, err)
		assert.Len(t, raw, 16)
	}

	// Two mints never collide.
	assert.NotEqual(t, New().String(), New().String())
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong prefix", "gc-aaaaaaaaaaaaaaaaaaaaaa.aaaaaaaaaaaaaaaaaaaaaa"},
		{"no prefix", "aaaaaaaaaaaaaaaaaaaaaa.aaaaaaaaaaaaaaaaaaaaaa"},
		{"missing separator", "gt-aaaaaaaaaaaaaaaaaaaaaa"},
		{"short key", "gt-abc.aaaaaaaaaaaaaaaaaaaaaa"},
		{"short secret", "gt-aaaaaaaaaaaaaaaaaaaaaa.abc"},
		{"invalid base64", "gt-!!!!!!!!!!!!!!!!!!!!!!.aaaaaaaaaaaaaaaaaaaaaa"},
		{"bare prefix", "gt-invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestCodeRoundTrip(t *testing.T) {
	t.Parallel()

	code := NewCode()
	assert.True(t, strings.HasPrefix(code.String(), "gc-"))

	parsed, err := ParseCode(code.String())
	require.NoError(t, err)
	assert.Equal(t, code, parsed)

	// A token never parses as a code.
	_, err = ParseCode(New().String())
	assert.Error(t, err)
}

func TestTokenJSON(t *testing.T) {
	t.Parallel()

	tok := New()
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+tok.String()+`"`, string(data))

	var decoded Token
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, tok, decoded)
}

func TestNotebookKeyDeterministic(t *testing.T) {
	t.Parallel()

	parent := New()
	first := NotebookKey(parent.Key)
	second := NotebookKey(parent.Key)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, NotebookKey(New().Key))

	raw, err := base64.RawURLEncoding.DecodeString(first)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestInternalKeyDeterministic(t *testing.T) {
	t.Parallel()

	parent := New()

	// Scope order does not change the identity.
	a := InternalKey(parent.Key, "tap", []string{"read:all", "exec:admin"})
	b := InternalKey(parent.Key, "tap", []string{"exec:admin", "read:all"})
	assert.Equal(t, a, b)

	// Service and scope set do.
	assert.NotEqual(t, a, InternalKey(parent.Key, "cutout", []string{"read:all", "exec:admin"}))
	assert.NotEqual(t, a, InternalKey(parent.Key, "tap", []string{"read:all"}))
}

func TestSortScopes(t *testing.T) {
	t.Parallel()

	got := SortScopes([]string{"read:all", "exec:admin", "read:all"})
	assert.Equal(t, []string{"exec:admin", "read:all"}, got)
	assert.Empty(t, SortScopes(nil))
}

func TestScopesSubset(t *testing.T) {
	t.Parallel()

	allowed := []string{"exec:admin", "read:all"}
	assert.True(t, ScopesSubset(nil, allowed))
	assert.True(t, ScopesSubset([]string{"read:all"}, allowed))
	assert.True(t, ScopesSubset(allowed, allowed))
	assert.False(t, ScopesSubset([]string{"exec:test"}, allowed))
	assert.False(t, ScopesSubset([]string{"read:all", "exec:test"}, allowed))
}

func TestTimestampJSON(t *testing.T) {
	t.Parallel()

	ts := NewTimestamp(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, "1748779200", string(data))

	var decoded Timestamp
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, ts.Equal(decoded.Time))
}

func TestDataScopeChecks(t *testing.T) {
	t.Parallel()

	data := &Data{Scopes: []string{"exec:admin", "read:all"}}
	assert.True(t, data.HasScope("read:all"))
	assert.False(t, data.HasScope("exec:test"))
	assert.True(t, data.HasAllScopes([]string{"exec:admin", "read:all"}))
	assert.False(t, data.HasAllScopes([]string{"exec:admin", "exec:test"}))
	assert.True(t, data.HasAnyScope([]string{"exec:test", "read:all"}))
	assert.False(t, data.HasAnyScope([]string{"exec:test"}))

	// Empty requirements: all of nothing is satisfied, any of nothing is not.
	assert.True(t, data.HasAllScopes(nil))
	assert.False(t, data.HasAnyScope(nil))
}

func TestDataExpired(t *testing.T) {
	t.Parallel()

	now := CurrentTime()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Data{}).Expired(now))
	assert.True(t, (&Data{Expires: &past}).Expired(now))
	assert.False(t, (&Data{Expires: &future}).Expired(now))
	assert.True(t, (&Data{Expires: &now}).Expired(now))
}
