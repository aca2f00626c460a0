package cacheresult

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genConfig() *rapid.Generator[Config] {
	depths := []Depth{DepthQuick, DepthStandard, DepthComprehensive, DepthDeep}
	return rapid.Custom(func(t *rapid.T) Config {
		return Config{
			FileHash:         "sha256:" + rapid.StringMatching(`[0-9a-f]{64}`).Draw(t, "hash"),
			Depth:            rapid.SampledFrom(depths).Draw(t, "depth"),
			ExtractFunctions: rapid.Bool().Draw(t, "fns"),
			ExtractImports:   rapid.Bool().Draw(t, "imps"),
			ExtractStrings:   rapid.Bool().Draw(t, "strs"),
			MaxFunctions:     rapid.IntRange(0, 10000).Draw(t, "maxfn"),
			MaxStrings:       rapid.IntRange(0, 10000).Draw(t, "maxstr"),
			LLMProvider:      rapid.SampledFrom([]string{"openai", "anthropic", "gemini", "ollama"}).Draw(t, "prov"),
			LLMModel:         rapid.StringMatching(`[a-z0-9.-]{1,32}`).Draw(t, "model"),
		}
	})
}

// Hashing the same logical config twice always yields the same 16-hex
// fingerprint, and a round trip through JSON (which may reorder nothing
// in Go but does exercise encode/decode) preserves it.
func TestConfigHashStability(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := genConfig().Draw(t, "cfg")

		h1 := ConfigHash(cfg)
		h2 := ConfigHash(cfg)
		require.Equal(t, h1, h2)
		require.Len(t, h1, 16)
		require.Equal(t, strings.ToLower(h1), h1)

		data, err := json.Marshal(canonicalFields(cfg))
		require.NoError(t, err)
		var decoded canonicalFields
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, h1, ConfigHash(Config(decoded)))
	})
}

// Any single output-affecting field change changes the fingerprint.
func TestConfigHashDiscriminates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := genConfig().Draw(t, "cfg")
		h := ConfigHash(cfg)

		mutated := cfg
		switch rapid.IntRange(0, 3).Draw(t, "field") {
		case 0:
			mutated.ExtractFunctions = !mutated.ExtractFunctions
		case 1:
			mutated.MaxFunctions++
		case 2:
			mutated.LLMModel += "x"
		case 3:
			if mutated.Depth == DepthQuick {
				mutated.Depth = DepthDeep
			} else {
				mutated.Depth = DepthQuick
			}
		}
		require.NotEqual(t, h, ConfigHash(mutated))
	})
}

// The cache key always fits the store bound and is stable per config.
func TestCacheKeyBoundedAndStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := genConfig().Draw(t, "cfg")
		key := CacheKey(cfg)
		require.LessOrEqual(t, len(key), maxKeyLength)
		require.True(t, strings.HasPrefix(key, "result:"))
		require.Equal(t, key, CacheKey(cfg))
	})
}
