package vtxo

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerkleRoot_Empty(t *testing.T) {
	empty := sha256.Sum256(nil)
	assert.Equal(t, empty[:], merkleRoot(nil))
}

func TestMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := []byte("vtxo-1")
	want := sha256.Sum256(leaf)
	assert.Equal(t, want[:], merkleRoot([][]byte{leaf}))
}

func TestMerkleRoot_TwoLeaves(t *testing.T) {
	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))
	combined := sha256.Sum256(append(a[:], b[:]...))

	got := merkleRoot([][]byte{[]byte("a"), []byte("b")})
	assert.Equal(t, combined[:], got)
}

func TestMerkleRoot_OddLeafDuplication(t *testing.T) {
	// Three leaves: the last is paired with itself at the first level.
	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))
	c := sha256.Sum256([]byte("c"))

	ab := sha256.Sum256(append(a[:], b[:]...))
	cc := sha256.Sum256(append(c[:], c[:]...))
	root := sha256.Sum256(append(ab[:], cc[:]...))

	got := merkleRoot([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	assert.Equal(t, root[:], got)
}

func TestMerkleRoot_Deterministic(t *testing.T) {
	leaves := [][]byte{[]byte("x"), []byte("y"), []byte("z")}
	first := merkleRoot(leaves)
	second := merkleRoot(leaves)
	require.Equal(t, first, second)

	// Order matters.
	swapped := merkleRoot([][]byte{[]byte("y"), []byte("x"), []byte("z")})
	assert.NotEqual(t, first, swapped)
}
