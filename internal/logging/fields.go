package logging

// Standard field keys. Components attach these so log lines from every
// subsystem can be filtered the same way.
const (
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldEpisodeID = "episode_id"
	FieldProvider  = "provider"
	FieldModel     = "model"
	FieldRequestID = "request_id"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"
	FieldErrorKind = "error_kind"
	FieldCostUSD   = "cost_usd"
	FieldAlert     = "alert"
)
