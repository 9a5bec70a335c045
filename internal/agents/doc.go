// Package agents implements the stage handlers that talk to upstream AI
// providers: research, script writing, evaluation, and TTS synthesis.
//
// Each agent is a thin stage.Handler over the failover manager. Prompt
// payloads are opaque mappings forwarded to the provider; the handlers
// interpret only the typed response envelope. Accepted calls are billed
// through the episode ledger attached to the stage request, so a provider
// response that fails validation is never charged.
package agents
