// Package eventlog implements the Event Adapter (spec §4.3): producing to
// named, partitioned, key-ordered topics with at-least-once semantics.
package eventlog

import "context"

// Topic names (spec §6). The core only ever produces to these three;
// consumers are executors, outside the core.
const (
	TopicTaskAssign           = "task.assign"
	TopicTaskCancel           = "task.cancel"
	TopicTaskUpdateAttachment = "task.update.attachment"
)

// AssignPayload is the JSON body for task.assign (spec §6).
type AssignPayload struct {
	TaskIDs        []string `json:"taskIds"`
	Recipient      string   `json:"recipient"`
	Initiator      string   `json:"initiator"`
	CreateDateTime string   `json:"createDateTime"`
	UpdateDateTime string   `json:"updateDateTime"`
}

// CancelPayload is the JSON body for task.cancel (spec §6). Broadcast to
// every shard stream per the Open Question resolution in SPEC_FULL.md.
type CancelPayload struct {
	TaskIDs        []string `json:"taskIds"`
	CreateDateTime string   `json:"createDateTime"`
	UpdateDateTime string   `json:"updateDateTime"`
}

// UpdateAttachmentPayload is the JSON body for task.update.attachment.
type UpdateAttachmentPayload struct {
	TaskIDs        []string `json:"taskIds"`
	UpdateDateTime string   `json:"updateDateTime"`
}

// Publisher is the producer half of the Event Adapter. Message key is the
// task id: every topic is partitioned and ordered by it (spec §4.3/§5).
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
	Close() error
}
