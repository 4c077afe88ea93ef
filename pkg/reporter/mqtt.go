package reporter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// Publisher is the narrow interface MQTTReporter depends on instead of a
// concrete client library. No complete, non-manifest-only example repo in
// the retrieval pack imports an MQTT client (see DESIGN.md), so this
// reporter is built against the publish call shape alone; wiring a real
// broker client behind Publisher is an integration-time choice, not a
// core-scheduler one.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTReporter publishes a terminal-state notification to a configured
// topic (spec §2 point 8 "pluggable sinks...MQTT").
type MQTTReporter struct {
	publisher Publisher
	topic     string
}

// NewMQTTReporter constructs a reporter publishing to topic via publisher.
func NewMQTTReporter(publisher Publisher, topic string) *MQTTReporter {
	return &MQTTReporter{publisher: publisher, topic: topic}
}

type mqttPayload struct {
	Item     string           `json:"item"`
	Tenant   string           `json:"tenant"`
	Pipeline string           `json:"pipeline"`
	Phase    types.ReportPhase `json:"phase"`
	Message  string           `json:"message"`
}

// Report implements Reporter.
func (r *MQTTReporter) Report(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error {
	data, err := json.Marshal(mqttPayload{
		Item:     item.ID,
		Tenant:   item.Tenant,
		Pipeline: item.Pipeline,
		Phase:    phase,
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("reporter: mqtt: marshal: %w", err)
	}
	if err := withRetry(ctx, DefaultMaxAttempts, func() error {
		return r.publisher.Publish(ctx, r.topic, data)
	}); err != nil {
		return fmt.Errorf("reporter: mqtt: publish: %w", err)
	}
	return nil
}
