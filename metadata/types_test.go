package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf(t *testing.T) {
	assert.Equal(t, String("x"), ValueOf("x"))
	assert.Equal(t, Bool(true), ValueOf(true))
	assert.Equal(t, Int(7), ValueOf(7))
	assert.Equal(t, Int(7), ValueOf(int32(7)))
	assert.Equal(t, Int(7), ValueOf(int64(7)))
	assert.Equal(t, Float(1.5), ValueOf(1.5))
	assert.Equal(t, Float(1.5), ValueOf(float32(1.5)))
	assert.Equal(t, Int(3), ValueOf(Int(3)))
	assert.Equal(t, KindInvalid, ValueOf([]int{1}).Kind)
}

func TestFromMapDropsUntyped(t *testing.T) {
	doc := FromMap(map[string]any{
		"lang":  "en",
		"year":  2021,
		"score": 0.5,
		"bad":   struct{}{},
	})

	require.Len(t, doc, 3)
	assert.Equal(t, String("en"), doc["lang"])
	assert.Equal(t, Int(2021), doc["year"])
	assert.Equal(t, Float(0.5), doc["score"])

	assert.Nil(t, FromMap(nil))
}

func TestDocumentClone(t *testing.T) {
	doc := Document{"a": Int(1)}

	clone := doc.Clone()
	clone["a"] = Int(2)
	assert.Equal(t, Int(1), doc["a"])

	assert.Nil(t, Document(nil).Clone())
	assert.Nil(t, CloneIfNeeded(Document{}))
	assert.NotNil(t, CloneIfNeeded(doc))
}

func TestValueKeyStable(t *testing.T) {
	assert.Equal(t, "s:x", String("x").Key())
	assert.Equal(t, "i:42", Int(42).Key())
	assert.Equal(t, "b:1", Bool(true).Key())
	assert.Equal(t, "b:0", Bool(false).Key())
	assert.NotEqual(t, Float(1).Key(), Float(2).Key())
	assert.Equal(t, "invalid", Value{}.Key())
}

func TestNumberComparison(t *testing.T) {
	assert.True(t, Int(2).IsNumber())
	assert.True(t, Float(2).IsNumber())
	assert.False(t, String("2").IsNumber())
	assert.Equal(t, 2.0, Int(2).Number())
	assert.Equal(t, 2.5, Float(2.5).Number())
}
