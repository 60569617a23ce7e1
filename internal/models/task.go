package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// State identifies the pipeline stage a Task Message is addressed to.
type State string

const (
	StateInit         State = "Init"
	StateSpeechToText State = "SpeechToText"
	StateAiPred       State = "AiPred"
	StateAnalytics    State = "Analytics"
	StateFinal        State = "Final"
)

// stateOrder fixes the total order Init < SpeechToText < AiPred < Analytics < Final.
var stateOrder = map[State]int{
	StateInit:         0,
	StateSpeechToText: 1,
	StateAiPred:       2,
	StateAnalytics:    3,
	StateFinal:        4,
}

// nextState is the explicit stage-transition table.
var nextState = map[State]State{
	StateInit:         StateSpeechToText,
	StateSpeechToText: StateAiPred,
	StateAiPred:       StateAnalytics,
	StateAnalytics:    StateFinal,
}

// ParseState validates a wire string against the known stage set.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := stateOrder[st]; !ok {
		return "", fmt.Errorf("unknown pipeline state %q", s)
	}
	return st, nil
}

// Next returns the stage that follows s. The second value is false for Final.
func (s State) Next() (State, bool) {
	n, ok := nextState[s]
	return n, ok
}

// Before reports whether s precedes other in the pipeline order.
func (s State) Before(other State) bool {
	return stateOrder[s] < stateOrder[other]
}

func (s State) String() string { return string(s) }

// Request type selects which identifier convention a stage should use.
const (
	ReqTypeEncounter = "encounter"
	ReqTypePlatform  = "platform"
)

// Terminal job statuses surfaced to callers.
const (
	StatusInprogress = "Inprogress"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
)

// API processing variants accepted from callers.
const (
	APITypeClinicalNotes = "clinical_notes"
	APITypeTranscription = "transcription"
	APITypeAiPred        = "ai_pred"
	APITypeSoap          = "soap"
)

// MaxRetries is the number of additional attempts a stage may make after its
// first failure; the third failure is terminal.
const MaxRetries = 2

// TaskMessage is the unit of work flowing through the queue. It is immutable
// once published; stages advance a job by publishing a new message.
type TaskMessage struct {
	EsID         string    `json:"es_id"`
	RequestID    string    `json:"request_id"`
	CareReqID    string    `json:"care_req_id"`
	ChunkNo      int       `json:"chunk_no,omitempty"`
	FilePath     string    `json:"file_path,omitempty"`
	ReqType      string    `json:"req_type"`
	APIType      string    `json:"api_type"`
	APIPath      string    `json:"api_path"`
	ExecutorName string    `json:"executor_name"`
	State        State     `json:"state"`
	FailedState  State     `json:"failed_state,omitempty"`
	RetryCount   int       `json:"retry_count"`
	Completed    bool      `json:"completed"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

// ConversationID resolves the identifier a stage should key blob output by.
// Live-encounter callers address the job through care_req_id; platform callers
// through request_id. The two alias each other, so prefer whichever is set.
func (m TaskMessage) ConversationID() string {
	if m.ReqType == ReqTypeEncounter && m.CareReqID != "" {
		return m.CareReqID
	}
	if m.RequestID != "" {
		return m.RequestID
	}
	return m.CareReqID
}

// Validate rejects messages that cannot be dispatched at all.
func (m TaskMessage) Validate() error {
	if m.ConversationID() == "" {
		return fmt.Errorf("task message has neither request_id nor care_req_id")
	}
	if _, err := ParseState(string(m.State)); err != nil {
		return err
	}
	if m.FailedState != "" {
		if _, err := ParseState(string(m.FailedState)); err != nil {
			return fmt.Errorf("invalid failed_state: %w", err)
		}
	}
	return nil
}

// Encode serializes the message for the queue payload.
func (m TaskMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeTaskMessage parses a queue payload and validates it.
func DecodeTaskMessage(raw []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return TaskMessage{}, fmt.Errorf("decode task message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return TaskMessage{}, err
	}
	return m, nil
}

// EsID convention: {request_id}_{EXECUTOR}.
func BuildEsID(requestID, executor string) string {
	return requestID + "_" + executor
}
