package ir

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirtySetHash_OrderIndependent(t *testing.T) {
	a := DirtySetHash([]string{"b.c", "a"})
	b := DirtySetHash([]string{"a", "b.c"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DirtySetHash([]string{"a"}))
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	paths := []string{"a", "b"}
	assert.NotEqual(t, DirtySetHash(paths), ReadsDigest(paths))
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	// "ab"+0x00+"c" must differ from "a"+0x00+"bc".
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestInputHash_Deterministic(t *testing.T) {
	in := IRArray{IRInt(1), IRObject{"k": IRString("v")}}
	assert.Equal(t, InputHash(in), InputHash(IRArray{IRInt(1), IRObject{"k": IRString("v")}}))
	assert.NotEqual(t, InputHash(in), InputHash(IRArray{IRInt(2)}))
}

func TestEvidenceID(t *testing.T) {
	payload := IRObject{"outcome": IRString("success")}

	id1, err := EvidenceID("inst-1", "txn_committed", 1, payload)
	require.NoError(t, err)
	id2, err := EvidenceID("inst-1", "txn_committed", 1, payload)
	require.NoError(t, err)
	id3, err := EvidenceID("inst-1", "txn_committed", 2, payload)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)

	raw, err := hex.DecodeString(id1)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}
