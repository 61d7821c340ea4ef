package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource map[string]*Token

func (m memSource) GetToken(_ context.Context, id string) (*Token, error) {
	t, ok := m[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return t, nil
}

func TestResolveSingleToken(t *testing.T) {
	src := memSource{
		"tok_root": {
			TokenID:             "tok_root",
			WorkspaceID:         "ws_1",
			IssuedToPrincipalID: "pr_1",
			Scopes: Scopes{
				Rooms:       []string{"room_a"},
				ActionTypes: []string{"http.get"},
				DataAccess:  DataAccess{Read: true},
			},
		},
	}

	resolved, err := NewResolver(src).Resolve(context.Background(), "tok_root")
	require.NoError(t, err)

	assert.True(t, resolved.AllowsRoom("room_a"))
	assert.False(t, resolved.AllowsRoom("room_b"))
	assert.True(t, resolved.AllowsAction("http.get"))
	assert.True(t, resolved.AllowsDataAccess("read"))
	assert.False(t, resolved.AllowsDataAccess("write"))
}

func TestResolveAttenuatesThroughChain(t *testing.T) {
	src := memSource{
		"tok_root": {
			TokenID: "tok_root",
			Scopes: Scopes{
				Rooms:       []string{"room_a", "room_b"},
				ActionTypes: []string{"*"},
				DataAccess:  DataAccess{Read: true, Write: true},
			},
		},
		"tok_child": {
			TokenID:       "tok_child",
			ParentTokenID: "tok_root",
			Scopes: Scopes{
				Rooms:       []string{"room_a", "room_c"},
				ActionTypes: []string{"http.get"},
				DataAccess:  DataAccess{Read: true, Write: false},
			},
		},
	}

	resolved, err := NewResolver(src).Resolve(context.Background(), "tok_child")
	require.NoError(t, err)

	// room_c is not in the parent: attenuation drops it.
	assert.True(t, resolved.AllowsRoom("room_a"))
	assert.False(t, resolved.AllowsRoom("room_c"))
	assert.False(t, resolved.AllowsRoom("room_b"))
	assert.True(t, resolved.AllowsAction("http.get"))
	assert.False(t, resolved.AllowsAction("http.post"))
	assert.False(t, resolved.AllowsDataAccess("write"))
}

func TestResolveRevokedAncestorKillsSubtree(t *testing.T) {
	revoked := time.Now().Add(-time.Hour)
	src := memSource{
		"tok_root":  {TokenID: "tok_root", RevokedAt: &revoked, Scopes: Scopes{Rooms: []string{"*"}}},
		"tok_child": {TokenID: "tok_child", ParentTokenID: "tok_root", Scopes: Scopes{Rooms: []string{"room_a"}}},
	}

	_, err := NewResolver(src).Resolve(context.Background(), "tok_child")
	assert.ErrorIs(t, err, ErrTokenNotEffective)
}

func TestResolveExpiredToken(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	src := memSource{
		"tok_old": {TokenID: "tok_old", ValidUntil: &expired},
	}

	_, err := NewResolver(src).Resolve(context.Background(), "tok_old")
	assert.ErrorIs(t, err, ErrTokenNotEffective)
}

func TestResolveDepthCap(t *testing.T) {
	src := memSource{}
	prev := ""
	var last string
	for i := 0; i <= MaxDelegationDepth+1; i++ {
		id := "tok_" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		src[id] = &Token{TokenID: id, ParentTokenID: prev, Scopes: Scopes{Rooms: []string{"*"}}}
		prev = id
		last = id
	}

	_, err := NewResolver(src).Resolve(context.Background(), last)
	assert.ErrorIs(t, err, ErrDelegationTooDeep)
}

func TestResolveUnknownToken(t *testing.T) {
	_, err := NewResolver(memSource{}).Resolve(context.Background(), "tok_missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestResolveCachesAndInvalidates(t *testing.T) {
	src := memSource{
		"tok_a": {TokenID: "tok_a", Scopes: Scopes{Rooms: []string{"room_a"}}},
	}
	r := NewResolver(src)

	first, err := r.Resolve(context.Background(), "tok_a")
	require.NoError(t, err)

	// Mutate the backing store; the cached resolution still serves.
	src["tok_a"].Scopes = Scopes{}
	cached, err := r.Resolve(context.Background(), "tok_a")
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	// After invalidation the new scopes are observed.
	r.Invalidate("tok_a")
	fresh, err := r.Resolve(context.Background(), "tok_a")
	require.NoError(t, err)
	assert.False(t, fresh.AllowsRoom("room_a"))
}

func TestIntersectWildcards(t *testing.T) {
	out := intersect(
		Scopes{Rooms: []string{"*"}, Tools: []string{"grep"}},
		Scopes{Rooms: []string{"room_a"}, Tools: []string{"*"}},
	)
	assert.Equal(t, []string{"room_a"}, out.Rooms)
	assert.Equal(t, []string{"grep"}, out.Tools)
}
