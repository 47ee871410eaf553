package manifest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-build/arbor/rule"
)

func hash20(b byte) []byte {
	h := make([]byte, rule.KeySize)
	h[0] = b
	return h
}

func TestLookupFindsMatchingEntry(t *testing.T) {
	m := New(0)
	m.AddEntry(rule.Key{1}, []rule.InputDescriptor{{Path: "a.h", Hash: hash20(1)}})
	m.AddEntry(rule.Key{2}, []rule.InputDescriptor{{Path: "a.h", Hash: hash20(2)}})

	current := map[string][]byte{"a.h": hash20(2)}
	key, ok := m.Lookup(func(p string) ([]byte, error) { return current[p], nil })
	require.True(t, ok)
	assert.Equal(t, rule.Key{2}, key)
}

func TestLookupReturnsFirstMatchInInsertionOrder(t *testing.T) {
	m := New(0)
	m.AddEntry(rule.Key{1}, []rule.InputDescriptor{{Path: "a.h", Hash: hash20(9)}})
	m.AddEntry(rule.Key{2}, []rule.InputDescriptor{{Path: "a.h", Hash: hash20(9)}})

	current := map[string][]byte{"a.h": hash20(9)}
	key, ok := m.Lookup(func(p string) ([]byte, error) { return current[p], nil })
	require.True(t, ok)
	assert.Equal(t, rule.Key{1}, key)
}

func TestLookupNoMatchReturnsFalse(t *testing.T) {
	m := New(0)
	m.AddEntry(rule.Key{1}, []rule.InputDescriptor{{Path: "a.h", Hash: hash20(1)}})

	current := map[string][]byte{"a.h": hash20(99)}
	_, ok := m.Lookup(func(p string) ([]byte, error) { return current[p], nil })
	assert.False(t, ok)
}

func TestLookupTreatsHashErrorAsMismatch(t *testing.T) {
	m := New(0)
	m.AddEntry(rule.Key{1}, []rule.InputDescriptor{{Path: "missing.h", Hash: hash20(1)}})

	_, ok := m.Lookup(func(p string) ([]byte, error) { return nil, errors.New("not found") })
	assert.False(t, ok)
}

func TestAddEntryResetsOnOverflow(t *testing.T) {
	m := New(2)
	m.AddEntry(rule.Key{1}, nil)
	m.AddEntry(rule.Key{2}, nil)
	require.Equal(t, 2, m.Size())

	m.AddEntry(rule.Key{3}, nil)
	assert.Equal(t, 1, m.Size(), "manifest must reset to empty before adding when at its bound")
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m := New(0)
	m.AddEntry(rule.Key{1, 2}, []rule.InputDescriptor{
		{Path: "a.h", Hash: hash20(1)},
		{Path: "b.h", Hash: hash20(2)},
	})
	m.AddEntry(rule.Key{3}, []rule.InputDescriptor{{Path: "c.h", Hash: hash20(3)}})

	var buf bytes.Buffer
	require.NoError(t, m.Serialize(&buf))

	restored := New(0)
	require.NoError(t, restored.Deserialize(&buf))

	assert.Equal(t, m.entries, restored.entries)
}

func TestGzipRoundTrip(t *testing.T) {
	m := New(0)
	m.AddEntry(rule.Key{7}, []rule.InputDescriptor{{Path: "a.h", Hash: hash20(7)}})

	data, err := m.EncodeGzip()
	require.NoError(t, err)

	restored := New(0)
	require.NoError(t, restored.DecodeGzip(data))
	assert.Equal(t, m.entries, restored.entries)
}
