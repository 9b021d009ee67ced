package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := Static{"rdp-password": "hunter2"}

	v, err := s.Resolve(ctx, "rdp-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = s.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "missing")
}

func TestEnv(t *testing.T) {
	ctx := context.Background()
	env := Env{Lookup: func(key string) (string, bool) {
		if key == "ANTHROPIC_API_KEY" {
			return "sk-ant", true
		}
		return "", false
	}}

	v, err := env.Resolve(ctx, "env:ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", v)

	_, err = env.Resolve(ctx, "env:OPENAI_API_KEY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnv_DefaultLookup(t *testing.T) {
	t.Setenv("DEVVM_TEST_SECRET", "from-env")

	v, err := Env{}.Resolve(context.Background(), "env:DEVVM_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	r := Router{
		OnePassword: Static{"op://dev/rdp/password": "from-op"},
		Env:         Static{"env:TOKEN": "from-env"},
		Default:     Static{"gh-token": "from-default"},
	}

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"1Password reference", "op://dev/rdp/password", "from-op"},
		{"environment reference", "env:TOKEN", "from-env"},
		{"plain name", "gh-token", "from-default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.Resolve(ctx, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestRouter_MissingBackend(t *testing.T) {
	r := Router{Default: Static{}}

	_, err := r.Resolve(context.Background(), "op://dev/item/field")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no 1Password secret backend configured")
}

func TestCache(t *testing.T) {
	calls := 0
	c := NewCache(ResolverFunc(func(_ context.Context, name string) (string, error) {
		calls++
		if name == "bad" {
			return "", errors.New("backend down")
		}
		return "value-of-" + name, nil
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := c.Resolve(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, "value-of-shared", v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.Resolve(ctx, "bad")
	assert.Error(t, err)
	_, err = c.Resolve(ctx, "bad")
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "failures are not cached")
}

func TestPlaceholder(t *testing.T) {
	v, err := Placeholder{}.Resolve(context.Background(), "anthropic-key")
	require.NoError(t, err)
	assert.Equal(t, "<redacted:anthropic-key>", v)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(errors.New("rpc error: code = NotFound desc = Secret [projects/p/secrets/x] not found")))
	assert.True(t, isNotFound(errors.New("googleapi: Error 404")))
	assert.False(t, isNotFound(errors.New("permission denied")))
}

func TestNewOnePassword_NoToken(t *testing.T) {
	t.Setenv(ServiceAccountTokenEnv, "")

	_, err := NewOnePassword(context.Background(), "", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ServiceAccountTokenEnv)
}

func TestLazyOnePassword_NoToken(t *testing.T) {
	t.Setenv(ServiceAccountTokenEnv, "")
	lazy := &LazyOnePassword{Version: "test"}

	_, err := lazy.Resolve(context.Background(), "op://dev/item/field")
	require.Error(t, err)
	_, again := lazy.Resolve(context.Background(), "op://dev/item/field")
	assert.Equal(t, err, again)
}
