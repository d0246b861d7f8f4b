package workflow

import (
	"github.com/BaSui01/wayflow/types"
)

// StatusKind names an ExecutionStatus variant in snapshots and logs.
type StatusKind string

const (
	StatusUserMessageRequest        StatusKind = "user_message_request"
	StatusToolRequest               StatusKind = "tool_request"
	StatusToolExecutionConfirmation StatusKind = "tool_execution_confirmation"
	StatusAuthChallengeRequest      StatusKind = "auth_challenge_request"
	StatusInterrupted               StatusKind = "interrupted"
	StatusFinished                  StatusKind = "finished"
)

// ExecutionStatus is the result of one Execute call. It is a closed set:
// switch on the concrete pointer types.
//
//	switch st := status.(type) {
//	case *workflow.UserMessageRequestStatus:
//	case *workflow.ToolRequestStatus:
//	case *workflow.ToolExecutionConfirmationStatus:
//	case *workflow.AuthChallengeRequestStatus:
//	case *workflow.InterruptedExecutionStatus:
//	case *workflow.FinishedStatus:
//	}
type ExecutionStatus interface {
	Kind() StatusKind
	// ConversationPath locates the (sub-)conversation that suspended; empty
	// for the root flow.
	ConversationPath() string
	isExecutionStatus()
}

type statusBase struct {
	path string
}

func (s statusBase) ConversationPath() string { return s.path }
func (statusBase) isExecutionStatus()         {}

// UserMessageRequestStatus waits for a new user message.
type UserMessageRequestStatus struct {
	statusBase
	// Message is the prompt shown to the user, if any.
	Message string
}

func (*UserMessageRequestStatus) Kind() StatusKind { return StatusUserMessageRequest }

// ToolRequestStatus waits for results of client-side tools.
type ToolRequestStatus struct {
	statusBase
	Requests []types.ToolRequest
}

func (*ToolRequestStatus) Kind() StatusKind { return StatusToolRequest }

// ToolExecutionConfirmationStatus waits for the caller to confirm or reject
// each pending tool request.
type ToolExecutionConfirmationStatus struct {
	statusBase
	Requests []types.ToolRequest
	conv     *Conversation
}

func (*ToolExecutionConfirmationStatus) Kind() StatusKind { return StatusToolExecutionConfirmation }

// Confirm approves a pending request.
func (s *ToolExecutionConfirmationStatus) Confirm(requestID string) error {
	return s.conv.ConfirmToolExecution(requestID)
}

// Reject denies a pending request.
func (s *ToolExecutionConfirmationStatus) Reject(requestID, reason string) error {
	return s.conv.RejectToolExecution(requestID, reason)
}

// AuthChallengeRequestStatus waits for an out-of-band authorization.
type AuthChallengeRequestStatus struct {
	statusBase
	ChallengeID      string
	AuthorizationURL string
	ToolName         string
	conv             *Conversation
}

func (*AuthChallengeRequestStatus) Kind() StatusKind { return StatusAuthChallengeRequest }

// Complete marks the challenge as solved so execution may resume.
func (s *AuthChallengeRequestStatus) Complete() error {
	return s.conv.CompleteAuthChallenge(s.ChallengeID)
}

// InterruptedExecutionStatus reports a tripped ExecutionInterrupt. It is not
// an error; calling Execute again resumes at the same step.
type InterruptedExecutionStatus struct {
	statusBase
	Interrupt string
	Reason    string
}

func (*InterruptedExecutionStatus) Kind() StatusKind { return StatusInterrupted }

// FinishedStatus is terminal.
type FinishedStatus struct {
	statusBase
	OutputValues   map[string]any
	CompleteBranch string
}

func (*FinishedStatus) Kind() StatusKind { return StatusFinished }

// ---------------------------------------------------------------------------
// Snapshot form
// ---------------------------------------------------------------------------

// StatusRecord is the serializable form of a status plus the bookkeeping
// needed to check its resume precondition.
type StatusRecord struct {
	Kind             StatusKind          `json:"kind"`
	Path             string              `json:"path,omitempty"`
	Message          string              `json:"message,omitempty"`
	MessageIndex     int                 `json:"message_index"`
	Requests         []types.ToolRequest `json:"requests,omitempty"`
	ChallengeID      string              `json:"challenge_id,omitempty"`
	AuthorizationURL string              `json:"authorization_url,omitempty"`
	ToolName         string              `json:"tool_name,omitempty"`
	Interrupt        string              `json:"interrupt,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	OutputValues     map[string]any      `json:"output_values,omitempty"`
	CompleteBranch   string              `json:"complete_branch,omitempty"`
}

func recordOf(st ExecutionStatus, messageIndex int) *StatusRecord {
	rec := &StatusRecord{Kind: st.Kind(), Path: st.ConversationPath(), MessageIndex: messageIndex}
	switch s := st.(type) {
	case *UserMessageRequestStatus:
		rec.Message = s.Message
	case *ToolRequestStatus:
		rec.Requests = s.Requests
	case *ToolExecutionConfirmationStatus:
		rec.Requests = s.Requests
	case *AuthChallengeRequestStatus:
		rec.ChallengeID = s.ChallengeID
		rec.AuthorizationURL = s.AuthorizationURL
		rec.ToolName = s.ToolName
	case *InterruptedExecutionStatus:
		rec.Interrupt = s.Interrupt
		rec.Reason = s.Reason
	case *FinishedStatus:
		rec.OutputValues = s.OutputValues
		rec.CompleteBranch = s.CompleteBranch
	}
	return rec
}

func (r *StatusRecord) status(conv *Conversation) ExecutionStatus {
	base := statusBase{path: r.Path}
	switch r.Kind {
	case StatusUserMessageRequest:
		return &UserMessageRequestStatus{statusBase: base, Message: r.Message}
	case StatusToolRequest:
		return &ToolRequestStatus{statusBase: base, Requests: r.Requests}
	case StatusToolExecutionConfirmation:
		return &ToolExecutionConfirmationStatus{statusBase: base, Requests: r.Requests, conv: conv}
	case StatusAuthChallengeRequest:
		return &AuthChallengeRequestStatus{statusBase: base, ChallengeID: r.ChallengeID,
			AuthorizationURL: r.AuthorizationURL, ToolName: r.ToolName, conv: conv}
	case StatusInterrupted:
		return &InterruptedExecutionStatus{statusBase: base, Interrupt: r.Interrupt, Reason: r.Reason}
	case StatusFinished:
		return &FinishedStatus{statusBase: base, OutputValues: r.OutputValues, CompleteBranch: r.CompleteBranch}
	}
	return nil
}

// withPath rebinds a status to the frame that produced it, keeping the
// deepest path when a sub-flow status bubbles up.
func withPath(st ExecutionStatus, path string) ExecutionStatus {
	if st.ConversationPath() != "" {
		return st
	}
	switch s := st.(type) {
	case *UserMessageRequestStatus:
		s.path = path
	case *ToolRequestStatus:
		s.path = path
	case *ToolExecutionConfirmationStatus:
		s.path = path
	case *AuthChallengeRequestStatus:
		s.path = path
	case *InterruptedExecutionStatus:
		s.path = path
	case *FinishedStatus:
		s.path = path
	}
	return st
}
