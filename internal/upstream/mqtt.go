package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/events"
)

// Default topics of the upstream MQTT contract.
const (
	DefaultDetectedTopic = "sorter/upstream/parcel_detected"
	DefaultAssignedTopic = "sorter/upstream/chute_assigned"
)

// Transport is the message bus used by MQTTClient. *mqtt.Client implements it.
type Transport interface {
	PublishContext(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Topics names the two upstream topics.
type Topics struct {
	Detected string
	Assigned string
}

// MQTTClient talks to upstream over MQTT: detection notifications are
// published as JSON and assignments arrive on a subscribed topic.
type MQTTClient struct {
	transport Transport
	topics    Topics
	callbacks Callbacks
	logger    *zap.Logger
}

// NewMQTTClient subscribes to the assignment topic and returns a client.
func NewMQTTClient(transport Transport, topics Topics, logger *zap.Logger) (*MQTTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topics.Detected == "" {
		topics.Detected = DefaultDetectedTopic
	}
	if topics.Assigned == "" {
		topics.Assigned = DefaultAssignedTopic
	}
	c := &MQTTClient{transport: transport, topics: topics, logger: logger}
	if err := transport.Subscribe(topics.Assigned, c.handleAssignment); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topics.Assigned, err)
	}
	return c, nil
}

// Send implements Client.
func (c *MQTTClient) Send(ctx context.Context, msg ParcelDetected) (bool, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshal parcel detected: %w", err)
	}
	if err := c.transport.PublishContext(ctx, c.topics.Detected, b); err != nil {
		return false, err
	}
	return true, nil
}

// OnChuteAssigned implements Client.
func (c *MQTTClient) OnChuteAssigned(fn func(ChuteAssignment)) func() {
	return c.callbacks.Add(fn)
}

func (c *MQTTClient) handleAssignment(topic string, payload []byte) {
	var a ChuteAssignment
	if err := json.Unmarshal(payload, &a); err != nil || a.ParcelID == 0 {
		c.logger.Warn("malformed chute assignment", zap.String("topic", topic), zap.ByteString("payload", payload))
		events.Emit("warn", "upstream.unknown_parcel", "malformed chute assignment", map[string]interface{}{
			"topic": topic,
		})
		return
	}
	c.callbacks.Dispatch(a)
}
