package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"chatgpt", "perplexity", "gemini", "copilot", "claude"} {
		id, err := ParseID(name)
		require.NoError(t, err)
		assert.Equal(t, ID(name), id)
	}
	_, err := ParseID("bing")
	require.ErrorIs(t, err, ErrUnknownEngine)
	_, err = ParseID("ChatGPT")
	require.ErrorIs(t, err, ErrUnknownEngine)
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	r, err := DefaultRegistry(Deps{})
	require.NoError(t, err)
	assert.Equal(t, []ID{ChatGPT, Claude, Copilot, Gemini, Perplexity}, r.IDs())

	for _, id := range r.IDs() {
		adapter, err := r.Get(string(id))
		require.NoError(t, err)
		assert.Equal(t, id, adapter.ID())
	}
	_, err = r.Get("bard")
	require.ErrorIs(t, err, ErrUnknownEngine)
}

func TestDefaultRegistrySubset(t *testing.T) {
	t.Parallel()

	r, err := DefaultRegistry(Deps{}, "perplexity", "claude")
	require.NoError(t, err)
	assert.Equal(t, []ID{Claude, Perplexity}, r.IDs())

	_, err = r.Get("chatgpt")
	require.ErrorIs(t, err, ErrUnknownEngine)

	_, err = DefaultRegistry(Deps{}, "chatgpt", "altavista")
	require.ErrorIs(t, err, ErrUnknownEngine)
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Deps{})
	require.NoError(t, r.Register(Gemini, NewGemini))
	require.ErrorIs(t, r.Register(Gemini, NewGemini), ErrDuplicateEngine)
	require.ErrorIs(t, r.Register(ID("yahoo"), NewGemini), ErrUnknownEngine)
	require.Error(t, r.Register(Claude, nil))
	require.Error(t, r.Register(Claude, NewGemini), "constructor must build the registered engine")
}
