package mqtt

import (
	"strings"
	"sync"

	"github.com/AaronLay10/SorterEngine/internal/events"
)

const (
	// RegisterTopic carries controller registrations; the wildcard is the controller id.
	RegisterTopic = "sorter/controllers/+/register"
	// HeartbeatTopic carries controller heartbeats.
	HeartbeatTopic = "sorter/controllers/+/heartbeat"
)

// ControllerSubscriber subscribes the controller and feedback topics.
// It ensures idempotent subscription handling across reconnects.
type ControllerSubscriber struct {
	mu         sync.RWMutex
	transport  Transport
	registry   *DiverterRegistry
	monitor    *Monitor
	subscribed map[string]bool
}

// NewControllerSubscriber creates a new subscriber.
func NewControllerSubscriber(transport Transport, registry *DiverterRegistry, monitor *Monitor) *ControllerSubscriber {
	return &ControllerSubscriber{
		transport:  transport,
		registry:   registry,
		monitor:    monitor,
		subscribed: make(map[string]bool),
	}
}

// SubscribeAll subscribes registration, heartbeat and every diverter's
// feedback topic. Failures are reported and the remaining topics still
// subscribed; the first error is returned.
func (s *ControllerSubscriber) SubscribeAll() error {
	var first error
	try := func(topic string, handler func(string, []byte)) {
		if err := s.subscribe(topic, handler); err != nil {
			events.Emit("error", "device.error", "failed to subscribe", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
			if first == nil {
				first = err
			}
		}
	}

	try(RegisterTopic, s.handleRegistration)
	try(HeartbeatTopic, s.handleHeartbeat)
	for _, st := range s.registry.All() {
		d := s.registry.Driver(st.ID)
		if d == nil || d.FeedbackTopic() == "" {
			continue
		}
		try(d.FeedbackTopic(), d.HandleFeedback)
	}
	return first
}

func (s *ControllerSubscriber) subscribe(topic string, handler func(string, []byte)) error {
	s.mu.Lock()
	if s.subscribed[topic] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.Subscribe(topic, handler); err != nil {
		return err
	}

	s.mu.Lock()
	s.subscribed[topic] = true
	s.mu.Unlock()
	return nil
}

func (s *ControllerSubscriber) handleRegistration(topic string, payload []byte) {
	reg, err := ParseRegistration(payload)
	if err != nil {
		events.Emit("error", "device.error", err.Error(), map[string]interface{}{"topic": topic})
		return
	}
	if id := controllerFromTopic(topic); id != "" && id != reg.Controller.ID {
		events.Emit("error", "device.error", "registration controller id does not match topic", map[string]interface{}{
			"topic":         topic,
			"controller_id": reg.Controller.ID,
		})
		return
	}
	s.monitor.HandleRegistration(reg)
}

func (s *ControllerSubscriber) handleHeartbeat(topic string, _ []byte) {
	id := controllerFromTopic(topic)
	if id == "" {
		return
	}
	if !s.monitor.HandleHeartbeat(id) {
		events.Emit("debug", "device.error", "heartbeat from unregistered controller", map[string]interface{}{
			"controller_id": id,
		})
	}
}

// controllerFromTopic extracts the controller id from sorter/controllers/<id>/...
func controllerFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "sorter" || parts[1] != "controllers" {
		return ""
	}
	return parts[2]
}

// IsSubscribed returns true if the topic is already subscribed.
func (s *ControllerSubscriber) IsSubscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed[topic]
}

// SubscribedTopics returns a list of all subscribed topics.
func (s *ControllerSubscriber) SubscribedTopics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.subscribed))
	for topic := range s.subscribed {
		topics = append(topics, topic)
	}
	return topics
}

// ClearSubscriptions clears the subscription tracking.
// Call this on disconnect to allow re-subscription on reconnect.
func (s *ControllerSubscriber) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = make(map[string]bool)
}
