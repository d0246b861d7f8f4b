package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/types"
)

// SnapshotVersion is the current ConversationSnapshot layout.
const SnapshotVersion = 1

// ConversationSnapshot is the serializable state of a suspended
// conversation. Flow holds the serialized root flow; it is empty when the
// flow contains a step without a codec, in which case restoring needs a
// fallback flow.
type ConversationSnapshot struct {
	Version       int                     `json:"version"`
	ID            string                  `json:"id"`
	FlowID        string                  `json:"flow_id"`
	FlowName      string                  `json:"flow_name,omitempty"`
	Flow          json.RawMessage         `json:"flow,omitempty"`
	Messages      []types.Message         `json:"messages"`
	Frames        []Frame                 `json:"frames"`
	Pending       *StatusRecord           `json:"pending,omitempty"`
	Confirmations map[string]Confirmation `json:"confirmations,omitempty"`
	AuthCompleted []string                `json:"auth_completed,omitempty"`
	TokenUsage    types.TokenUsage        `json:"token_usage"`
	Events        []Event                 `json:"events,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// Marshal encodes the snapshot as JSON.
func (s *ConversationSnapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, &SerializationError{Field: "snapshot", Err: err}
	}
	return data, nil
}

// UnmarshalSnapshot decodes a snapshot written by Marshal.
func UnmarshalSnapshot(data []byte) (*ConversationSnapshot, error) {
	var s ConversationSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &SerializationError{Field: "snapshot", Err: err}
	}
	return &s, nil
}

// Snapshot captures the conversation between two Execute calls. It fails
// with ErrConversationBusy while Execute is running.
func (c *Conversation) Snapshot() (*ConversationSnapshot, error) {
	if !c.running.TryLock() {
		return nil, ErrConversationBusy
	}
	defer c.running.Unlock()

	flowData, err := c.exec.codecs().SerializeFlow(c.flow, FormatJSON)
	if err != nil {
		if !errors.Is(err, ErrNotSerializable) {
			return nil, err
		}
		c.logger.Debug("flow not serializable, snapshot needs a fallback flow", zap.Error(err))
		flowData = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &ConversationSnapshot{
		Version:    SnapshotVersion,
		ID:         c.id,
		FlowID:     c.flow.id,
		FlowName:   c.flow.name,
		Flow:       flowData,
		Messages:   append([]types.Message(nil), c.messages...),
		TokenUsage: c.usage,
		Events:     c.events.list(),
		CreatedAt:  c.createdAt,
		UpdatedAt:  c.updatedAt,
	}
	paths := make([]string, 0, len(c.frames))
	for p := range c.frames {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		snap.Frames = append(snap.Frames, copyFrame(c.frames[p]))
	}
	if c.pending != nil {
		rec := *c.pending
		rec.OutputValues, _ = property.DeepCopy(rec.OutputValues).(map[string]any)
		snap.Pending = &rec
	}
	if len(c.confirmations) > 0 {
		snap.Confirmations = make(map[string]Confirmation, len(c.confirmations))
		for k, v := range c.confirmations {
			snap.Confirmations[k] = v
		}
	}
	for id, done := range c.authCompleted {
		if done {
			snap.AuthCompleted = append(snap.AuthCompleted, id)
		}
	}
	sort.Strings(snap.AuthCompleted)
	return snap, nil
}

// RestoreConversation rebuilds a conversation from a snapshot. The embedded
// flow is decoded with dctx; when that fails, or the snapshot carries no
// flow, fallback is used instead provided its ID matches.
func RestoreConversation(snap *ConversationSnapshot, dctx *DeserializationContext, fallback *Flow, opts ...ConversationOption) (*Conversation, error) {
	if snap == nil {
		return nil, serialErr("snapshot", "nil snapshot")
	}
	if snap.Version != SnapshotVersion {
		return nil, serialErr("version", "unsupported snapshot version %d", snap.Version)
	}

	flow, err := restoreFlow(snap, dctx, fallback)
	if err != nil {
		return nil, err
	}
	if flow.id != snap.FlowID {
		return nil, serialErr("flow_id", "snapshot flow %q does not match flow %q", snap.FlowID, flow.id)
	}

	opts = append(opts, WithConversationID(snap.ID))
	c := newConversation(flow, opts...)

	for i, fr := range snap.Frames {
		field := fmt.Sprintf("frames[%d]", i)
		fl, ok := c.flows[fr.FlowID]
		if !ok {
			return nil, serialErr(field, "frame %q runs unknown flow %q", fr.Path, fr.FlowID)
		}
		if !fr.Finished {
			if _, ok := fl.steps[fr.Cursor]; !ok {
				return nil, serialErr(field, "frame %q is positioned on unknown step %q", fr.Path, fr.Cursor)
			}
		}
		cp := copyFrame(&fr)
		if cp.IO == nil {
			cp.IO = make(map[string]any)
		}
		if cp.Variables == nil {
			cp.Variables = make(map[string]any)
		}
		c.frames[fr.Path] = &cp
	}
	if _, ok := c.frames[""]; !ok {
		return nil, serialErr("frames", "snapshot has no root frame")
	}

	c.messages = append([]types.Message(nil), snap.Messages...)
	c.usage = snap.TokenUsage
	if snap.Pending != nil {
		rec := *snap.Pending
		c.pending = &rec
	}
	for k, v := range snap.Confirmations {
		c.confirmations[k] = v
	}
	for _, id := range snap.AuthCompleted {
		c.authCompleted[id] = true
	}
	for _, e := range snap.Events {
		c.events.record(e)
	}
	if !snap.CreatedAt.IsZero() {
		c.createdAt = snap.CreatedAt
	}
	if !snap.UpdatedAt.IsZero() {
		c.updatedAt = snap.UpdatedAt
	}
	c.logger.Debug("conversation restored",
		zap.Int("frames", len(c.frames)),
		zap.Int("messages", len(c.messages)),
	)
	return c, nil
}

func restoreFlow(snap *ConversationSnapshot, dctx *DeserializationContext, fallback *Flow) (*Flow, error) {
	if len(snap.Flow) == 0 {
		if fallback == nil {
			return nil, serialErr("flow", "snapshot carries no flow and no fallback was given")
		}
		return fallback, nil
	}
	flow, err := DeserializeFlow(snap.Flow, dctx)
	if err == nil {
		return flow, nil
	}
	if fallback == nil {
		return nil, err
	}
	dctx.logger().Info("embedded flow could not be decoded, using fallback",
		zap.String("flow_id", snap.FlowID),
		zap.Error(err),
	)
	return fallback, nil
}

func copyFrame(f *Frame) Frame {
	cp := *f
	cp.IO = copyValues(f.IO)
	cp.Variables = copyValues(f.Variables)
	if f.EdgeValues != nil {
		cp.EdgeValues = make(map[string]map[string]any, len(f.EdgeValues))
		for k, v := range f.EdgeValues {
			cp.EdgeValues[k] = copyValues(v)
		}
	}
	if f.StepStates != nil {
		cp.StepStates = make(map[string]map[string]any, len(f.StepStates))
		for k, v := range f.StepStates {
			cp.StepStates[k] = copyValues(v)
		}
	}
	return cp
}

func copyValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := property.DeepCopy(m).(map[string]any)
	return out
}
