package ledger

import (
	"math"
	"time"
)

// Usage captures the billable units of a single provider call. Token counts
// apply to LLM providers; Characters applies to TTS providers.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Characters   int
}

// Entry is one immutable row of the cost audit log.
type Entry struct {
	Timestamp          time.Time
	EpisodeID          string
	Agent              string
	Provider           string
	Model              string
	InputTokens        int
	OutputTokens       int
	Characters         int
	CostUSD            float64
	CumulativeCostUSD  float64
	BudgetRemainingUSD float64
	Operation          string
}

// Breakdown summarizes the accepted entries for one episode.
type Breakdown struct {
	TotalUSD     float64
	RemainingUSD float64
	ByAgent      map[string]float64
	ByProvider   map[string]float64
	Count        int
	AverageUSD   float64
}

// roundUpMicro rounds a USD amount up at the sixth decimal. Budget admission
// uses the rounded value so ties err on the conservative side.
func roundUpMicro(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	return math.Ceil(amount*1e6) / 1e6
}
