package stage

import (
	"context"

	"showrunner/internal/episode"
	"showrunner/internal/ledger"
	"showrunner/internal/state"
)

// Recommendation is an evaluator verdict.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendRevise  Recommendation = "revise"
	RecommendReject  Recommendation = "reject"
)

// Request carries the episode and a copy of its state document into a stage.
// The orchestrator fills Model and EstimatedCost from the cost optimizer and
// attaches the episode ledger so handlers can bill accepted provider calls.
type Request struct {
	Episode       *episode.Episode
	Document      state.Document
	Ledger        *ledger.Ledger
	Model         string
	EstimatedCost float64
}

// Result is a successful stage outcome. The orchestrator merges Output into
// the persistent partition, records Scores for evaluator stages, and bills
// nothing here: handlers clear costs through the ledger themselves.
type Result struct {
	OutputRef      string
	Output         map[string]any
	Scores         map[string]float64
	Recommendation Recommendation
	CostUSD        float64
}

// Handler describes the contract the orchestrator needs from each stage.
type Handler interface {
	Name() string
	Prepare(context.Context, *Request) error
	Execute(context.Context, *Request) (*Result, error)
	HealthCheck(context.Context) Health
}
