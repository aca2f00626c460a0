// Package promptctx assembles the minimal sufficient
// context for one translation operation and selecting the template
// variant that will render it, without ever producing prompt text
// itself — that's the renderer's job, kept out of this package so the
// template strings stay swappable independently of context assembly.
package promptctx

import (
	"strings"

	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
)

// QualityLevel bounds context size and prompt verbosity.
type QualityLevel string

const (
	QualityBrief         QualityLevel = "brief"
	QualityStandard      QualityLevel = "standard"
	QualityComprehensive QualityLevel = "comprehensive"
)

// AnalysisIntent is the closed set of domain focuses a request can
// declare; each biases quality level and template specialization.
type AnalysisIntent string

const (
	IntentMalwareAnalysis       AnalysisIntent = "malware_analysis"
	IntentVulnerabilityResearch AnalysisIntent = "vulnerability_research"
	IntentReverseEngineering    AnalysisIntent = "reverse_engineering"
	IntentThreatIntelligence    AnalysisIntent = "threat_intelligence"
	IntentSoftwareAudit         AnalysisIntent = "software_audit"
	IntentPerformanceAnalysis   AnalysisIntent = "performance_analysis"
	IntentAcademicResearch      AnalysisIntent = "academic_research"
)

// caps bounds how much of the artifact graph is pulled into context per
// quality level.
type caps struct {
	RelatedFunctions int
	RelevantImports  int
	SampleStrings    int
}

var qualityCaps = map[QualityLevel]caps{
	QualityBrief:         {RelatedFunctions: 3, RelevantImports: 5, SampleStrings: 5},
	QualityStandard:      {RelatedFunctions: 8, RelevantImports: 15, SampleStrings: 15},
	QualityComprehensive: {RelatedFunctions: 20, RelevantImports: 40, SampleStrings: 40},
}

func capsFor(q QualityLevel) caps {
	if c, ok := qualityCaps[q]; ok {
		return c
	}
	return qualityCaps[QualityStandard]
}

// intentProfile carries the preferred quality level and, per operation,
// the specialized template key an intent should resolve to.
type intentProfile struct {
	PreferredQuality QualityLevel
	SpecializedByOp  map[llmtypes.Operation]string
}

var intentProfiles = map[AnalysisIntent]intentProfile{
	IntentMalwareAnalysis: {
		PreferredQuality: QualityComprehensive,
		SpecializedByOp: map[llmtypes.Operation]string{
			llmtypes.OpTranslateFunction:      "security_focused",
			llmtypes.OpExplainImports:         "security_focused",
			llmtypes.OpInterpretStrings:       "security_focused",
			llmtypes.OpGenerateOverallSummary: "security_focused",
		},
	},
	IntentVulnerabilityResearch: {
		PreferredQuality: QualityComprehensive,
		SpecializedByOp: map[llmtypes.Operation]string{
			llmtypes.OpTranslateFunction: "security_focused",
		},
	},
	IntentThreatIntelligence: {
		PreferredQuality: QualityComprehensive,
		SpecializedByOp: map[llmtypes.Operation]string{
			llmtypes.OpGenerateOverallSummary: "security_focused",
		},
	},
	IntentReverseEngineering: {
		PreferredQuality: QualityStandard,
	},
	IntentSoftwareAudit: {
		PreferredQuality: QualityStandard,
		SpecializedByOp: map[llmtypes.Operation]string{
			llmtypes.OpExplainImports: "audit_focused",
		},
	},
	IntentPerformanceAnalysis: {
		PreferredQuality: QualityStandard,
		SpecializedByOp: map[llmtypes.Operation]string{
			llmtypes.OpTranslateFunction: "performance_focused",
		},
	},
	IntentAcademicResearch: {
		PreferredQuality: QualityBrief,
	},
}

func profileFor(intent AnalysisIntent) intentProfile {
	if p, ok := intentProfiles[intent]; ok {
		return p
	}
	return intentProfiles[IntentReverseEngineering]
}

// DataCharacteristics are derived once from the artifact set and may
// upgrade quality or force a specialization regardless of declared intent.
type DataCharacteristics struct {
	HighFunctionCount     bool
	SuspiciousAPIsPresent bool
	ObfuscatedStrings     bool
	SIMDPatterns          bool
}

// suspiciousAPIs is a small, deliberately conservative denylist of
// imports that are frequently abused, not proof of malice on their own.
var suspiciousAPIs = map[string]struct{}{
	"virtualalloc": {}, "virtualprotect": {}, "writeprocessmemory": {},
	"createremotethread": {}, "ptrace": {}, "mmap": {}, "mprotect": {},
	"loadlibrarya": {}, "getprocaddress": {}, "shellexecute": {},
}

var simdMnemonics = []string{"xmm", "ymm", "vmovdqa", "vpshuf", "pshufb", "paddb"}

// DeriveCharacteristics inspects the artifact set once per pipeline run.
func DeriveCharacteristics(set llmtypes.ArtifactSet) DataCharacteristics {
	chars := DataCharacteristics{
		HighFunctionCount: len(set.Functions) > 50,
	}
	for _, imp := range set.Imports {
		if _, ok := suspiciousAPIs[strings.ToLower(imp.Symbol)]; ok {
			chars.SuspiciousAPIsPresent = true
			break
		}
	}
	for _, fn := range set.Functions {
		lower := strings.ToLower(fn.Code)
		for _, m := range simdMnemonics {
			if strings.Contains(lower, m) {
				chars.SIMDPatterns = true
				break
			}
		}
		if chars.SIMDPatterns {
			break
		}
	}
	printable, total := 0, 0
	for _, s := range set.Strings {
		for _, r := range s.Value {
			total++
			if r >= 0x20 && r < 0x7f {
				printable++
			}
		}
	}
	if total > 0 && float64(printable)/float64(total) < 0.7 {
		chars.ObfuscatedStrings = true
	}
	return chars
}

// resolveQuality upgrades the requested quality when either the intent or
// the data characteristics call for more context, never downgrades it.
func resolveQuality(requested QualityLevel, intent AnalysisIntent, chars DataCharacteristics) QualityLevel {
	rank := map[QualityLevel]int{QualityBrief: 0, QualityStandard: 1, QualityComprehensive: 2}
	best := requested
	if best == "" {
		best = QualityStandard
	}
	if p := profileFor(intent).PreferredQuality; rank[p] > rank[best] {
		best = p
	}
	if (chars.SuspiciousAPIsPresent || chars.HighFunctionCount) && rank[QualityComprehensive] > rank[best] {
		best = QualityComprehensive
	}
	return best
}

// resolveSpecialization picks the specialized template key, preferring a
// characteristic-forced security focus over the intent's own preference.
func resolveSpecialization(intent AnalysisIntent, chars DataCharacteristics, op llmtypes.Operation) string {
	if chars.SuspiciousAPIsPresent {
		return "security_focused"
	}
	return profileFor(intent).SpecializedByOp[op]
}

// Bundle is the structured context handed to a template renderer. It
// carries no prompt text — only the bounded slices and flags a renderer
// needs.
type Bundle struct {
	Operation        llmtypes.Operation
	QualityLevel     QualityLevel
	AnalysisIntent   AnalysisIntent
	Characteristics  DataCharacteristics
	RelatedFunctions []string
	RelevantImports  []string
	SampleStrings    []string
	LibrarySet       []string
	FileInfo         llmtypes.FileInfo
}

// Builder assembles context bundles and renders them through the
// template registry.
type Builder struct {
	registry *Registry
}

// New constructs a Builder with the built-in template registry.
func New() *Builder {
	return &Builder{registry: NewRegistry()}
}

// Build assembles a Bundle for op over set, resolves quality and
// specialization, selects the matching template, and renders it. The
// returned string is the contextBundle the llmprovider operations embed
// verbatim ahead of the artifact-specific instructions.
func (b *Builder) Build(op llmtypes.Operation, set llmtypes.ArtifactSet, intent AnalysisIntent, requestedQuality QualityLevel) string {
	chars := DeriveCharacteristics(set)
	quality := resolveQuality(requestedQuality, intent, chars)
	specialized := resolveSpecialization(intent, chars, op)

	c := capsFor(quality)
	bundle := Bundle{
		Operation:       op,
		QualityLevel:    quality,
		AnalysisIntent:  intent,
		Characteristics: chars,
		FileInfo:        set.FileInfo,
	}
	for i, fn := range set.Functions {
		if i >= c.RelatedFunctions {
			break
		}
		bundle.RelatedFunctions = append(bundle.RelatedFunctions, fn.Name)
	}
	libSeen := make(map[string]struct{})
	for i, imp := range set.Imports {
		if i >= c.RelevantImports {
			break
		}
		bundle.RelevantImports = append(bundle.RelevantImports, imp.Library+"!"+imp.Symbol)
		if _, ok := libSeen[imp.Library]; !ok {
			libSeen[imp.Library] = struct{}{}
			bundle.LibrarySet = append(bundle.LibrarySet, imp.Library)
		}
	}
	for i, s := range set.Strings {
		if i >= c.SampleStrings {
			break
		}
		bundle.SampleStrings = append(bundle.SampleStrings, s.Value)
	}

	tmpl := b.registry.Select(op, quality, specialized)
	return tmpl.Render(bundle)
}
