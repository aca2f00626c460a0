package llmprovider

import (
	"sync"

	"github.com/Onegaishimas/bin2nlp/types"
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// tiktokenTokenizer wraps a tiktoken-go encoding to satisfy types.Tokenizer
// with an authoritative count for OpenAI-family models. It keeps a bounded
// first-in-first-out cache of already-tokenized texts since the same function/import/string
// artifact is frequently re-counted across retries within one job.
type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken

	mu    sync.Mutex
	order []string
	cache map[string]int
	max   int
}

const tokenizerCacheSize = 512

// modelEncoding maps a model name prefix to its tiktoken encoding. Unknown
// models fall back to cl100k_base, which still tokenizes close enough for
// estimation purposes on custom or fine-tuned model ids.
var modelEncoding = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
	"gpt-5":         "o200k_base",
}

func encodingForModel(model string) string {
	for prefix, enc := range modelEncoding {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return enc
		}
	}
	return "cl100k_base"
}

// newTiktokenTokenizer builds a tokenizer for model.
func newTiktokenTokenizer(model string) (types.Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encodingForModel(model))
	if err != nil {
		return nil, err
	}
	return &tiktokenTokenizer{
		enc:   enc,
		cache: make(map[string]int, tokenizerCacheSize),
		max:   tokenizerCacheSize,
	}, nil
}

func (t *tiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	if n, ok := t.cache[text]; ok {
		t.mu.Unlock()
		return n
	}
	t.mu.Unlock()

	n := len(t.enc.Encode(text, nil, nil))

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) >= t.max {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.cache, oldest)
	}
	t.cache[text] = n
	t.order = append(t.order, text)
	return n
}

func (t *tiktokenTokenizer) CountMessageTokens(msg types.Message) int {
	tokens := 4 + t.CountTokens(msg.Content)
	if msg.Name != "" {
		tokens += t.CountTokens(msg.Name)
	}
	for _, tc := range msg.ToolCalls {
		tokens += t.CountTokens(tc.Name) + len(tc.Arguments)/4
	}
	return tokens
}

func (t *tiktokenTokenizer) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.CountMessageTokens(m)
	}
	return total
}
