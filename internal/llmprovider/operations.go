package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/types"
)

const jsonOutputInstruction = "Respond with a single JSON object matching the requested schema and nothing else. No markdown fences, no commentary."

// TranslateFunction implements the translate_function operation.
func (a *Adapter) TranslateFunction(ctx context.Context, fn llmtypes.FunctionArtifact, contextBundle string) (llmtypes.FunctionTranslation, error) {
	system := "You are a reverse-engineering assistant explaining decompiled binary code in plain language. " + jsonOutputInstruction
	user := fmt.Sprintf(
		"%s\n\nFunction %q at %s (%d bytes):\n```\n%s\n```\n\nReturn JSON with fields: description, parameter_notes, return_notes, security_notes, performance_notes, confidence (0-1).",
		contextBundle, fn.Name, fn.Address, fn.Size, fn.Code,
	)

	start := time.Now()
	resp, err := a.call(ctx, a.newRequest([]types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(user),
	}))
	if err != nil {
		return llmtypes.FunctionTranslation{}, fmt.Errorf("llmprovider: translate_function: %w", err)
	}
	elapsed := time.Since(start)

	var parsed struct {
		Description      string  `json:"description"`
		ParameterNotes   string  `json:"parameter_notes"`
		ReturnNotes      string  `json:"return_notes"`
		SecurityNotes    string  `json:"security_notes"`
		PerformanceNotes string  `json:"performance_notes"`
		Confidence       float64 `json:"confidence"`
	}
	text := firstChoiceText(resp)
	_ = json.Unmarshal([]byte(extractJSON(text)), &parsed)
	if parsed.Description == "" {
		parsed.Description = text
	}

	return llmtypes.FunctionTranslation{
		Name:             fn.Name,
		Address:          fn.Address,
		Size:             fn.Size,
		Description:      parsed.Description,
		ParameterNotes:   parsed.ParameterNotes,
		ReturnNotes:      parsed.ReturnNotes,
		SecurityNotes:    parsed.SecurityNotes,
		PerformanceNotes: parsed.PerformanceNotes,
		Confidence:       llmtypes.ClampConfidence(parsed.Confidence, parsed.Description != ""),
		Provider:         a.metadata(resp, elapsed),
	}, nil
}

// ExplainImports implements the explain_imports operation. It batches all
// imports into a single call and returns one translation per input, in
// order; if the model returns fewer entries than requested the remainder
// degrade to a low-confidence empty translation rather than failing the
// whole call; partial output beats none for a batch operation.
func (a *Adapter) ExplainImports(ctx context.Context, imports []llmtypes.ImportArtifact, contextBundle string) ([]llmtypes.ImportTranslation, error) {
	if len(imports) == 0 {
		return nil, nil
	}

	system := "You explain what imported library symbols are typically used for in native binaries. " + jsonOutputInstruction
	user := fmt.Sprintf("%s\n\nImports:\n%s\n\nReturn a JSON array, one object per import in the same order, each with: library, symbol, purpose, typical_usage, security_implications, alternatives (array), confidence (0-1).",
		contextBundle, formatImportList(imports))

	start := time.Now()
	resp, err := a.call(ctx, a.newRequest([]types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(user),
	}))
	if err != nil {
		return nil, fmt.Errorf("llmprovider: explain_imports: %w", err)
	}
	elapsed := time.Since(start)

	var parsed []struct {
		Purpose              string   `json:"purpose"`
		TypicalUsage         string   `json:"typical_usage"`
		SecurityImplications string   `json:"security_implications"`
		Alternatives         []string `json:"alternatives"`
		Confidence           float64  `json:"confidence"`
	}
	_ = json.Unmarshal([]byte(extractJSON(firstChoiceText(resp))), &parsed)

	meta := a.metadata(resp, elapsed)
	out := make([]llmtypes.ImportTranslation, len(imports))
	for i, imp := range imports {
		t := llmtypes.ImportTranslation{Library: imp.Library, Symbol: imp.Symbol, Provider: meta}
		if i < len(parsed) {
			p := parsed[i]
			t.Purpose = p.Purpose
			t.TypicalUsage = p.TypicalUsage
			t.SecurityImplications = p.SecurityImplications
			t.Alternatives = p.Alternatives
			t.Confidence = llmtypes.ClampConfidence(p.Confidence, p.Purpose != "")
		}
		out[i] = t
	}
	return out, nil
}

func formatImportList(imports []llmtypes.ImportArtifact) string {
	out := ""
	for i, imp := range imports {
		out += fmt.Sprintf("%d. %s!%s\n", i, imp.Library, imp.Symbol)
	}
	return out
}

// InterpretStrings implements the interpret_strings operation, batching up
// to maxStringsPerCall strings per LLM call.
const maxStringsPerCall = 50

func (a *Adapter) InterpretStrings(ctx context.Context, strs []llmtypes.StringArtifact, contextBundle string) ([]llmtypes.StringTranslation, error) {
	out := make([]llmtypes.StringTranslation, 0, len(strs))
	for start := 0; start < len(strs); start += maxStringsPerCall {
		end := start + maxStringsPerCall
		if end > len(strs) {
			end = len(strs)
		}
		batch, err := a.interpretStringBatch(ctx, strs[start:end], contextBundle)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (a *Adapter) interpretStringBatch(ctx context.Context, strs []llmtypes.StringArtifact, contextBundle string) ([]llmtypes.StringTranslation, error) {
	if len(strs) == 0 {
		return nil, nil
	}
	system := "You interpret extracted string literals from a decompiled binary, inferring their usage context. " + jsonOutputInstruction
	user := fmt.Sprintf("%s\n\nStrings:\n%s\n\nReturn a JSON array, one object per string in the same order, each with: usage_context, interpretation, security_note, confidence (0-1).",
		contextBundle, formatStringList(strs))

	callStart := time.Now()
	resp, err := a.call(ctx, a.newRequest([]types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(user),
	}))
	if err != nil {
		return nil, fmt.Errorf("llmprovider: interpret_strings: %w", err)
	}
	elapsed := time.Since(callStart)

	var parsed []struct {
		UsageContext   string  `json:"usage_context"`
		Interpretation string  `json:"interpretation"`
		SecurityNote   string  `json:"security_note"`
		Confidence     float64 `json:"confidence"`
	}
	_ = json.Unmarshal([]byte(extractJSON(firstChoiceText(resp))), &parsed)

	meta := a.metadata(resp, elapsed)
	out := make([]llmtypes.StringTranslation, len(strs))
	for i, s := range strs {
		t := llmtypes.StringTranslation{Value: s.Value, Address: s.Address, Encoding: s.Encoding, Provider: meta}
		if i < len(parsed) {
			p := parsed[i]
			t.UsageContext = p.UsageContext
			t.Interpretation = p.Interpretation
			t.SecurityNote = p.SecurityNote
			t.Confidence = llmtypes.ClampConfidence(p.Confidence, p.Interpretation != "")
		}
		out[i] = t
	}
	return out, nil
}

func formatStringList(strs []llmtypes.StringArtifact) string {
	out := ""
	for i, s := range strs {
		out += fmt.Sprintf("%d. (%s @ %s) %q\n", i, s.Encoding, s.Address, s.Value)
	}
	return out
}

// GenerateOverallSummary implements the generate_overall_summary operation.
func (a *Adapter) GenerateOverallSummary(ctx context.Context, set llmtypes.ArtifactSet, contextBundle string) (llmtypes.OverallSummary, error) {
	system := "You produce a whole-program digest of a decompiled binary from its functions, imports, and strings. " + jsonOutputInstruction
	user := fmt.Sprintf(
		"%s\n\nFile: %s (%s, %d bytes)\nFunctions analyzed: %d\nImports: %d\nStrings: %d\n\nReturn JSON with: program_purpose, functionality, architecture, data_flow, security_posture, technology_stack (array), key_insights (array), risk_assessment, confidence (0-1).",
		contextBundle, set.FileInfo.Filename, set.FileInfo.Format, set.FileInfo.SizeBytes,
		len(set.Functions), len(set.Imports), len(set.Strings),
	)

	start := time.Now()
	resp, err := a.call(ctx, a.newRequest([]types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(user),
	}))
	if err != nil {
		return llmtypes.OverallSummary{}, fmt.Errorf("llmprovider: generate_overall_summary: %w", err)
	}
	elapsed := time.Since(start)

	var parsed struct {
		ProgramPurpose  string   `json:"program_purpose"`
		Functionality   string   `json:"functionality"`
		Architecture    string   `json:"architecture"`
		DataFlow        string   `json:"data_flow"`
		SecurityPosture string   `json:"security_posture"`
		TechnologyStack []string `json:"technology_stack"`
		KeyInsights     []string `json:"key_insights"`
		RiskAssessment  string   `json:"risk_assessment"`
		Confidence      float64  `json:"confidence"`
	}
	text := firstChoiceText(resp)
	_ = json.Unmarshal([]byte(extractJSON(text)), &parsed)
	if parsed.ProgramPurpose == "" {
		parsed.ProgramPurpose = text
	}

	return llmtypes.OverallSummary{
		ProgramPurpose:  parsed.ProgramPurpose,
		Functionality:   parsed.Functionality,
		Architecture:    parsed.Architecture,
		DataFlow:        parsed.DataFlow,
		SecurityPosture: parsed.SecurityPosture,
		TechnologyStack: parsed.TechnologyStack,
		KeyInsights:     parsed.KeyInsights,
		RiskAssessment:  parsed.RiskAssessment,
		Confidence:      llmtypes.ClampConfidence(parsed.Confidence, parsed.ProgramPurpose != ""),
		Provider:        a.metadata(resp, elapsed),
	}, nil
}
