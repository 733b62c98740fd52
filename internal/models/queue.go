package models

import (
	"fmt"
	"path/filepath"
	"time"
)

// Stage is the queue directory an item currently lives in.
type Stage string

const (
	StageIncoming   Stage = "incoming"
	StageProcessing Stage = "processing"
	StageOutgoing   Stage = "outgoing"
	StageFailed     Stage = "failed"
)

// Control values let local tooling send instructions through the queue so
// the daemon stays the only writer of run state.
const (
	ControlCancel = "cancel"
)

// QueueItem is one inbound message.
type QueueItem struct {
	MessageID        string    `json:"messageId"`
	Channel          string    `json:"channel"`
	ChannelProfileID string    `json:"channelProfileId"`
	ConversationID   string    `json:"conversationId"`
	WorkflowRunID    string    `json:"workflowRunId,omitempty"`
	Text             string    `json:"text"`
	FileRefs         []string  `json:"fileRefs,omitempty"`
	Control          string    `json:"control,omitempty"`
	Stage            Stage     `json:"stage"`
	CreatedAt        time.Time `json:"createdAt"`
	Attempts         int       `json:"attempts,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
}

// Validate checks the fields an adapter must supply.
func (i QueueItem) Validate() error {
	if i.MessageID == "" {
		return fmt.Errorf("queue item must have a messageId")
	}
	if i.WorkflowRunID == "" && (i.Channel == "" || i.ConversationID == "") {
		return fmt.Errorf("queue item %s must have a channel and conversationId or a workflowRunId", i.MessageID)
	}
	for _, ref := range i.FileRefs {
		if !filepath.IsAbs(ref) {
			return fmt.Errorf("queue item %s: file ref %q is not absolute", i.MessageID, ref)
		}
	}
	switch i.Control {
	case "", ControlCancel:
	default:
		return fmt.Errorf("queue item %s: unknown control %q", i.MessageID, i.Control)
	}
	return nil
}

// Key returns the ordering partition for the item.
func (i QueueItem) Key() OrderingKey {
	if i.WorkflowRunID != "" {
		return RunKey(i.WorkflowRunID)
	}
	return ConversationKey(i.Channel, i.ChannelProfileID, i.ConversationID)
}

// OrderingKey partitions items that must be handled one at a time, in
// arrival order.
type OrderingKey string

func RunKey(runID string) OrderingKey {
	return OrderingKey("run:" + runID)
}

func ConversationKey(channel, profileID, conversationID string) OrderingKey {
	return OrderingKey(fmt.Sprintf("conv:%s/%s/%s", channel, profileID, conversationID))
}

// OutgoingMessage is the payload handed back to channel adapters.
type OutgoingMessage struct {
	MessageID        string   `json:"messageId"`
	Channel          string   `json:"channel"`
	ChannelProfileID string   `json:"channelProfileId"`
	ConversationID   string   `json:"conversationId"`
	WorkflowRunID    string   `json:"workflowRunId,omitempty"`
	Text             string   `json:"text"`
	Files            []string `json:"files,omitempty"`
	// Notification marks run progress pushed to the conversation, as
	// opposed to a reply to MessageID.
	Notification bool      `json:"notification,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReplyTo addresses an outgoing message to the item's conversation.
func (i QueueItem) ReplyTo(text string) OutgoingMessage {
	return OutgoingMessage{
		MessageID:        i.MessageID,
		Channel:          i.Channel,
		ChannelProfileID: i.ChannelProfileID,
		ConversationID:   i.ConversationID,
		WorkflowRunID:    i.WorkflowRunID,
		Text:             text,
	}
}
