// Package middleware provides request rewriters shared across LLM
// provider adapters: small, composable passes that normalize a
// llm.ChatRequest before it is translated into a provider's wire format.
package middleware

import (
	"context"

	"github.com/Onegaishimas/bin2nlp/llm"
)

// Rewriter transforms a request before it is sent to a provider. A
// Rewriter must not mutate req in place; it returns the (possibly new)
// request to use.
type Rewriter interface {
	Rewrite(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error)
}

// RewriterFunc adapts a plain function to the Rewriter interface.
type RewriterFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error)

// Rewrite calls fn.
func (fn RewriterFunc) Rewrite(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	return fn(ctx, req)
}

// RewriterChain runs a fixed sequence of Rewriters, each receiving the
// previous one's output.
type RewriterChain struct {
	rewriters []Rewriter
}

// NewRewriterChain builds a chain from rewriters, applied in order.
func NewRewriterChain(rewriters ...Rewriter) *RewriterChain {
	return &RewriterChain{rewriters: rewriters}
}

// Execute runs every rewriter in the chain over req, short-circuiting on
// the first error. A nil chain or an empty chain returns req unchanged.
func (c *RewriterChain) Execute(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	if c == nil {
		return req, nil
	}
	current := req
	for _, r := range c.rewriters {
		next, err := r.Rewrite(ctx, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// emptyToolsCleaner nils out an empty, non-nil Tools slice. Several
// provider APIs reject a present-but-empty "tools" array outright, so
// callers that build a ChatRequest generically (always allocating the
// slice) need this normalized away before it reaches the wire.
type emptyToolsCleaner struct{}

// NewEmptyToolsCleaner builds the empty-tools-cleanup Rewriter.
func NewEmptyToolsCleaner() Rewriter {
	return emptyToolsCleaner{}
}

func (emptyToolsCleaner) Rewrite(_ context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	if req == nil || len(req.Tools) > 0 {
		return req, nil
	}
	clone := *req
	clone.Tools = nil
	return &clone, nil
}
