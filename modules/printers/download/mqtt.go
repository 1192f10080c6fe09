package download

import "context"

// MQTTStrategy is a placeholder slot: MQTT is a messaging protocol and does
// not carry files, but keeping the slot makes the strategy list uniform
// across printer kinds.
type MQTTStrategy struct{}

func NewMQTTStrategy() *MQTTStrategy { return &MQTTStrategy{} }

func (s *MQTTStrategy) Name() string { return "MQTT" }

func (s *MQTTStrategy) Available() bool { return false }

func (s *MQTTStrategy) Download(ctx context.Context, opts Options) (Result, error) {
	return Result{}, ErrUnavailable
}
