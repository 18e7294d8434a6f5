package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuotaEngineHardLimitExceeded(t *testing.T) {
	q := NewQuotaEngine()
	q.SetLimit(OwnerUser, 42, ResourceInodes, RigorHard, 10)

	assert.False(t, q.IsExceeded(RigorHard, ResourceInodes, 42, 0))

	q.ApplyInodeDelta(nil, 42, 0, 9)
	assert.False(t, q.IsExceeded(RigorHard, ResourceInodes, 42, 0), "usage 9, +1 for the next inode still == limit")

	q.ApplyInodeDelta(nil, 42, 0, 1)
	assert.True(t, q.IsExceeded(RigorHard, ResourceInodes, 42, 0), "usage 10, +1 for the next inode exceeds limit 10")
}

func TestQuotaEngineSoftLimitNoGrace(t *testing.T) {
	q := NewQuotaEngine()
	q.SetLimit(OwnerUser, 1, ResourceBytes, RigorSoft, 100)
	q.ApplyBytesDelta(nil, 1, 0, 100)
	assert.False(t, q.IsExceeded(RigorSoft, ResourceBytes, 1, 0), "soft limit has no +1, usage==limit is not exceeded")
	q.ApplyBytesDelta(nil, 1, 0, 1)
	assert.True(t, q.IsExceeded(RigorSoft, ResourceBytes, 1, 0))
}

func TestQuotaEngineClearLimit(t *testing.T) {
	q := NewQuotaEngine()
	q.SetLimit(OwnerGroup, 7, ResourceInodes, RigorHard, 1)
	q.ApplyInodeDelta(nil, 0, 7, 5)
	assert.True(t, q.IsExceeded(RigorHard, ResourceInodes, 0, 7))

	q.SetLimit(OwnerGroup, 7, ResourceInodes, RigorHard, 0)
	assert.False(t, q.IsExceeded(RigorHard, ResourceInodes, 0, 7), "limit==0 clears the entry")
}

func TestQuotaEngineDirScopedIndependentOfGlobal(t *testing.T) {
	q := NewQuotaEngine()
	q.SetDirLimit(100, OwnerUser, 5, ResourceBytes, RigorHard, 50)
	q.ApplyBytesDelta([]Ino{100}, 5, 0, 60)

	assert.True(t, q.IsDirExceeded(100, RigorHard, ResourceBytes, 5, 0))
	assert.False(t, q.IsExceeded(RigorHard, ResourceBytes, 5, 0), "no global limit was ever set")
}
