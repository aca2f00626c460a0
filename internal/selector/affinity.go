package selector

import "github.com/Onegaishimas/bin2nlp/internal/llmtypes"

// operationAffinityTable gives each (kind, operation) pair a small fixed
// bonus reflecting which backend families tend to do better at which
// translation task. Ollama and generic/openaicompat endpoints get no
// bonus anywhere: there's no general basis for favoring a
// locally-hosted or unknown-vendor model on any particular operation.
var operationAffinityTable = map[llmtypes.Operation]map[llmtypes.ProviderKind]float64{
	llmtypes.OpTranslateFunction: {
		llmtypes.KindAnthropic: 0.10,
		llmtypes.KindOpenAI:    0.05,
		llmtypes.KindGemini:    0.03,
	},
	llmtypes.OpExplainImports: {
		llmtypes.KindAnthropic: 0.08,
		llmtypes.KindOpenAI:    0.06,
		llmtypes.KindGemini:    0.04,
	},
	llmtypes.OpInterpretStrings: {
		llmtypes.KindGemini:    0.10,
		llmtypes.KindOpenAI:    0.06,
		llmtypes.KindAnthropic: 0.04,
	},
	llmtypes.OpGenerateOverallSummary: {
		llmtypes.KindAnthropic: 0.12,
		llmtypes.KindOpenAI:    0.08,
		llmtypes.KindGemini:    0.06,
	},
}

func operationAffinity(kind llmtypes.ProviderKind, op llmtypes.Operation) float64 {
	return operationAffinityTable[op][kind]
}
