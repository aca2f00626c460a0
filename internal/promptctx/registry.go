package promptctx

import (
	"fmt"
	"strings"

	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
)

// templateKey identifies one registered template. Specialized is empty
// for the generic variant of an (operation, quality) pair.
type templateKey struct {
	Op          llmtypes.Operation
	Quality     QualityLevel
	Specialized string
}

// Template renders a Bundle into the context text that precedes an
// operation's artifact-specific instructions.
type Template struct {
	key    templateKey
	render func(Bundle) string
}

// Render invokes the template's render function.
func (t Template) Render(b Bundle) string {
	return t.render(b)
}

// Registry holds every (operation, quality, specialization) template.
// It is built once at startup and is read-only afterward, so lookups
// need no locking.
type Registry struct {
	templates map[templateKey]Template
}

// NewRegistry builds the built-in registry: one generic template per
// (operation, quality) — satisfying the registry invariant that every
// such pair resolves to something — plus a handful of specialized
// variants layered on top.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[templateKey]Template)}

	ops := []llmtypes.Operation{
		llmtypes.OpTranslateFunction,
		llmtypes.OpExplainImports,
		llmtypes.OpInterpretStrings,
		llmtypes.OpGenerateOverallSummary,
	}
	qualities := []QualityLevel{QualityBrief, QualityStandard, QualityComprehensive}

	for _, op := range ops {
		for _, q := range qualities {
			r.register(templateKey{Op: op, Quality: q}, genericRenderer(op, q))
		}
	}

	for _, op := range ops {
		r.register(templateKey{Op: op, Quality: QualityComprehensive, Specialized: "security_focused"}, securityRenderer(op))
	}
	r.register(templateKey{Op: llmtypes.OpTranslateFunction, Quality: QualityStandard, Specialized: "performance_focused"}, performanceRenderer())
	r.register(templateKey{Op: llmtypes.OpExplainImports, Quality: QualityStandard, Specialized: "audit_focused"}, auditRenderer())

	return r
}

func (r *Registry) register(key templateKey, render func(Bundle) string) {
	r.templates[key] = Template{key: key, render: render}
}

// Select resolves (op, quality, specialized) to a template, falling back
// to the generic template for the same (op, quality) when the requested
// specialization doesn't exist, so a lookup can never fail outright.
func (r *Registry) Select(op llmtypes.Operation, quality QualityLevel, specialized string) Template {
	if specialized != "" {
		if t, ok := r.templates[templateKey{Op: op, Quality: quality, Specialized: specialized}]; ok {
			return t
		}
	}
	if t, ok := r.templates[templateKey{Op: op, Quality: quality}]; ok {
		return t
	}
	// Unreachable under NewRegistry's construction, but never leave the
	// caller with a nil render function.
	return Template{render: func(Bundle) string { return "" }}
}

func genericRenderer(op llmtypes.Operation, quality QualityLevel) func(Bundle) string {
	return func(b Bundle) string {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Analysis context (%s, quality=%s, intent=%s) for %s:\n", op, quality, b.AnalysisIntent, b.FileInfo.Filename)
		writeCommonContext(&sb, b)
		return sb.String()
	}
}

func securityRenderer(op llmtypes.Operation) func(Bundle) string {
	return func(b Bundle) string {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Security-focused analysis context for %s. Prioritize identifying suspicious behavior, "+
			"unsafe API usage, and potential vulnerabilities.\n", op)
		writeCommonContext(&sb, b)
		if b.Characteristics.SuspiciousAPIsPresent {
			sb.WriteString("Note: imports associated with process injection or memory manipulation were detected.\n")
		}
		if b.Characteristics.ObfuscatedStrings {
			sb.WriteString("Note: a large share of extracted strings appear non-printable or obfuscated.\n")
		}
		return sb.String()
	}
}

func performanceRenderer() func(Bundle) string {
	return func(b Bundle) string {
		var sb strings.Builder
		sb.WriteString("Performance-focused analysis context. Prioritize algorithmic complexity, hot loops, and vectorization.\n")
		writeCommonContext(&sb, b)
		if b.Characteristics.SIMDPatterns {
			sb.WriteString("Note: SIMD instruction patterns were detected in nearby functions.\n")
		}
		return sb.String()
	}
}

func auditRenderer() func(Bundle) string {
	return func(b Bundle) string {
		var sb strings.Builder
		sb.WriteString("Software-audit context. Prioritize licensing, dependency provenance, and policy-relevant API usage.\n")
		writeCommonContext(&sb, b)
		return sb.String()
	}
}

func writeCommonContext(sb *strings.Builder, b Bundle) {
	if len(b.RelatedFunctions) > 0 {
		fmt.Fprintf(sb, "Related functions: %s\n", strings.Join(b.RelatedFunctions, ", "))
	}
	if len(b.LibrarySet) > 0 {
		fmt.Fprintf(sb, "Libraries in use: %s\n", strings.Join(b.LibrarySet, ", "))
	}
	if len(b.RelevantImports) > 0 {
		fmt.Fprintf(sb, "Relevant imports: %s\n", strings.Join(b.RelevantImports, ", "))
	}
	if len(b.SampleStrings) > 0 {
		fmt.Fprintf(sb, "Sample strings: %s\n", strings.Join(b.SampleStrings, " | "))
	}
}
