package pipeline

import (
	"showrunner/internal/agents"
	"showrunner/internal/optimizer"
)

// ttsModel is pinned: audio synthesis is not interchangeable with LLM
// providers, so the optimizer never gets to swap it.
const (
	ttsProvider = "elevenlabs"
	ttsModel    = "eleven_turbo_v2_5"
)

// stageEstimates are planning inputs for the cost optimizer. Token counts
// are deliberately on the high side; the ledger bills actual usage.
var stageEstimates = map[string]optimizer.StageEstimate{
	agents.StageResearchDiscovery: {InputTokens: 1500, OutputTokens: 2500, RequiredQuality: 0.80},
	agents.StageResearchDeepDive:  {InputTokens: 3500, OutputTokens: 4000, RequiredQuality: 0.80},
	agents.StageResearchSynthesis: {InputTokens: 6000, OutputTokens: 3000, RequiredQuality: 0.85},
	agents.StageScriptDraft:       {InputTokens: 8000, OutputTokens: 6000, RequiredQuality: 0.92},
	agents.StageScriptPolish:      {InputTokens: 7000, OutputTokens: 5000, RequiredQuality: 0.92},
	agents.StageEvaluatorClaude:   {InputTokens: 9000, OutputTokens: 1200, RequiredQuality: 0.92},
	agents.StageEvaluatorGemini:   {InputTokens: 9000, OutputTokens: 1200, RequiredQuality: 0.85},
	agents.StageBrandAlignment:    {InputTokens: 7000, OutputTokens: 4000, RequiredQuality: 0.90},
	// TTS characters approximate to four per input token.
	agents.StageTTSSynthesis: {InputTokens: 5000, RequiredQuality: 0.88},
}

func estimateFor(name string) optimizer.StageEstimate {
	est, ok := stageEstimates[name]
	if !ok {
		// Unknown stages get a conservative default so planning still works
		// for custom graphs.
		est = optimizer.StageEstimate{InputTokens: 4000, OutputTokens: 3000, RequiredQuality: 0.80}
	}
	est.Stage = name
	est.Operation = name
	return est
}
