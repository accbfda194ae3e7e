package canon

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insieme/insieme/internal/model"
)

func TestNormalizePartitions(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []string
		wantErr bool
	}{
		{"sorts and dedupes", []string{"B", "a", "A", "b", "a"}, []string{"A", "B", "a", "b"}, false},
		{"empty rejected", []string{}, nil, true},
		{"empty entry rejected", []string{"p1", ""}, nil, true},
		{"too long entry rejected", []string{stringOfLen(129)}, nil, true},
		{"max length entry ok", []string{stringOfLen(128)}, []string{stringOfLen(128)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePartitions(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePartitionsMaxEntries(t *testing.T) {
	xs := make([]string, MaxPartitions+1)
	for i := range xs {
		xs[i] = fmt.Sprintf("partition-%03d", i)
	}
	_, err := NormalizePartitions(xs)
	require.Error(t, err)
}

func TestIntersects(t *testing.T) {
	a := []string{"p1", "p3"}
	b := []string{"p2", "p3"}
	assert.True(t, Intersects(a, b))
	assert.False(t, Intersects([]string{"p1"}, []string{"p2"}))
}

func TestCanonicalizeIdempotentUnderPermutation(t *testing.T) {
	e := model.Event{Type: "note.create", Payload: []byte(`{"b":2,"a":1,"nested":{"y":1,"x":2}}`)}

	p1, err := NormalizePartitions([]string{"B", "a", "A", "b"})
	require.NoError(t, err)
	p2, err := NormalizePartitions([]string{"a", "A", "b", "B"})
	require.NoError(t, err)

	bytes1, err := Canonicalize(p1, e)
	require.NoError(t, err)
	bytes2, err := Canonicalize(p2, e)
	require.NoError(t, err)

	assert.Equal(t, string(bytes1), string(bytes2))
	assert.Equal(t, Digest(bytes1), Digest(bytes2))
}

func TestCanonicalizeKeyOrderIndependent(t *testing.T) {
	e1 := model.Event{Type: "t", Payload: []byte(`{"a":1,"b":2}`)}
	e2 := model.Event{Type: "t", Payload: []byte(`{"b":2,"a":1}`)}

	parts := []string{"p1"}
	b1, err := Canonicalize(parts, e1)
	require.NoError(t, err)
	b2, err := Canonicalize(parts, e2)
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
}

func TestCanonicalizeDiffersOnPayloadChange(t *testing.T) {
	e1 := model.Event{Type: "t", Payload: []byte(`{"t":"hi"}`)}
	e2 := model.Event{Type: "t", Payload: []byte(`{"t":"bye"}`)}

	parts := []string{"p1"}
	b1, err := Canonicalize(parts, e1)
	require.NoError(t, err)
	b2, err := Canonicalize(parts, e2)
	require.NoError(t, err)
	assert.NotEqual(t, string(b1), string(b2))
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	e := model.Event{Type: "t", Payload: []byte(`{not json`)}
	_, err := Canonicalize([]string{"p1"}, e)
	require.Error(t, err)
}

func TestCanonicalizeNoInsignificantWhitespace(t *testing.T) {
	e := model.Event{Type: "t", Payload: []byte(`{"a": 1, "b": [1, 2, 3]}`)}
	b, err := Canonicalize([]string{"p1"}, e)
	require.NoError(t, err)
	assert.NotContains(t, string(b), " ")
	assert.NotContains(t, string(b), "\n")
	assert.NotContains(t, string(b), "\t")
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
