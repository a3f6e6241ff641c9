package domain

import "time"

// EventEnvelope is the normalized shape a bridge adapter produces from an
// external broker record (Kafka, AMQP 0.9.1) before it is turned into a
// Message and routed into a super-stream.
type EventEnvelope struct {
	StreamKey      string
	EventID        string
	EventType      string
	EventTimeUTCNs int64
	Payload        []byte
	Source         string
	SourceRef      string
	ReceivedAtUTC  time.Time
	Metadata       map[string]string
}

// ToMessage adapts the envelope into the Message shape the super-stream
// producer and its routing strategy consume. EventID becomes the routing
// MessageID property, matching the hash/key extractor the tests exercise.
func (e EventEnvelope) ToMessage() Message {
	return Message{
		Body: e.Payload,
		Properties: Properties{
			MessageID: e.EventID,
			Extra:     e.Metadata,
		},
	}
}
