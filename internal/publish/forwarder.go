package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/provsync/internal/command"
	"github.com/roach88/provsync/internal/directory"
	"github.com/roach88/provsync/internal/provisioning"
)

// SyncRequest is the record the external directory-sync client consumes.
type SyncRequest struct {
	CommandID int64                `json:"command_id"`
	CreatedAt time.Time            `json:"created_at"`
	Entities  map[string]SyncActor `json:"entities"`
	Data      command.Payload      `json:"data"`
}

// SyncActor is one resolved role with its entity kind made explicit.
type SyncActor struct {
	Kind   directory.Kind   `json:"kind"`
	Entity directory.Entity `json:"entity"`
}

// NewSyncRequest flattens ec into its wire form.
func NewSyncRequest(ec provisioning.ExecutionContext) SyncRequest {
	req := SyncRequest{
		CommandID: ec.CommandID,
		CreatedAt: ec.CreatedAt.UTC(),
		Entities:  make(map[string]SyncActor, len(ec.Entities)),
		Data:      ec.Data,
	}
	if req.Data == nil {
		req.Data = command.Payload{}
	}
	for role, e := range ec.Entities {
		req.Entities[role] = SyncActor{Kind: e.Kind(), Entity: e}
	}
	return req
}

// KafkaForwarder is a provisioning.Executor that hands each resolved command
// to the directory-sync client over Kafka. Success means the broker accepted
// the record; the client's own outcome is not observed.
type KafkaForwarder struct {
	writer Writer
	topic  string
}

var _ provisioning.Executor = (*KafkaForwarder)(nil)

// NewKafkaForwarder writes sync requests to topic.
func NewKafkaForwarder(w Writer, topic string) (*KafkaForwarder, error) {
	if w == nil {
		return nil, fmt.Errorf("kafka forwarder requires a writer")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka forwarder requires a topic")
	}
	return &KafkaForwarder{writer: w, topic: topic}, nil
}

// Execute writes ec keyed by command id.
func (f *KafkaForwarder) Execute(ctx context.Context, ec provisioning.ExecutionContext) ([]string, error) {
	value, err := json.Marshal(NewSyncRequest(ec))
	if err != nil {
		return nil, fmt.Errorf("encode sync request: %w", err)
	}
	err = f.writer.WriteMessages(ctx, kafka.Message{
		Topic: f.topic,
		Key:   []byte(strconv.FormatInt(ec.CommandID, 10)),
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("forward command %d: %w", ec.CommandID, err)
	}
	return []string{"forwarded to " + f.topic}, nil
}

// Close closes the underlying writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
