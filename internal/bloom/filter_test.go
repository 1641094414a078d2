package bloom

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f := NewWithEstimates(500, 0.01)
	for i := 0; i < 500; i++ {
		f.AddString(fmt.Sprintf("token-%d", i))
	}
	for i := 0; i < 500; i++ {
		assert.True(t, f.ContainsString(fmt.Sprintf("token-%d", i)))
	}
	assert.Equal(t, uint64(500), f.Count)
}

func TestFilter_CaseFolding(t *testing.T) {
	f := New(256, 3)
	f.AddString("Merkle")
	assert.True(t, f.ContainsString("merkle"))
	assert.True(t, f.ContainsString("MERKLE"))
}

func TestFilter_FalsePositiveRateIsBounded(t *testing.T) {
	f := NewWithEstimates(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.AddString(fmt.Sprintf("in-%d", i))
	}
	hits := 0
	for i := 0; i < 10000; i++ {
		if f.ContainsString(fmt.Sprintf("out-%d", i)) {
			hits++
		}
	}
	// 1% target, allow generous slack
	assert.Less(t, hits, 500)
	assert.Less(t, f.FalsePositiveRate(), 0.05)
}

func TestFilter_NilContainsEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.ContainsString("anything"))
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	assert.InDelta(t, 9586, bits, 2)
	assert.Equal(t, 7, hashes)

	bits, hashes = OptimalParameters(0, 2)
	assert.GreaterOrEqual(t, bits, 64)
	assert.GreaterOrEqual(t, hashes, 1)
}

func TestProperty_AddedItemsAreContained(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every added string is contained", prop.ForAll(
		func(items []string) bool {
			f := NewWithEstimates(len(items)+1, 0.01)
			for _, s := range items {
				f.AddString(s)
			}
			for _, s := range items {
				if !f.ContainsString(s) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
