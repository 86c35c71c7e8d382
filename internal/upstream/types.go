package upstream

import (
	"encoding/json"

	"github.com/tbourn/deepdive-relay/internal/domain"
)

// TurnRequest is the body of one turn call. Turns is the persisted history
// before this submission; Message is the caller's new answer and TurnCount
// the count this turn will have once committed.
type TurnRequest struct {
	Kind      string        `json:"kind"`
	SubjectID string        `json:"subject_id"`
	Turns     []domain.Turn `json:"turns"`
	Scores    domain.Scores `json:"scores"`
	TurnCount int           `json:"turn_count"`
	Message   string        `json:"message"`
}

// LookupRequest asks the inference service for a company profile.
type LookupRequest struct {
	Query string `json:"query"`
}

// LookupResponse is passed through to the client untouched.
type LookupResponse = json.RawMessage
