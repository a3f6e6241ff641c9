// Package routing implements the super-stream routing strategies from
// pure, stateless functions from a message and a partition
// list to the destination partition names. Neither strategy performs I/O or
// retains state across calls — the super-stream producer owns the partition
// list and any caching of it.
package routing

import (
	"streamx/internal/domain"
)

// hashSeed is the broker's MurmurHash3_x86_32 seed. It is fixed, not
// configurable: a different seed would route to a different partition than
// a broker-side consumer computing the same hash expects.
const hashSeed = 104729

// Extractor pulls the routing key out of a message. Producers typically
// extract it from Properties.MessageID or from an application-level field
// packed into Properties.Extra.
type Extractor func(domain.Message) string

// Strategy maps a message onto zero or more destination partitions given
// the super-stream's current partition list. An empty, nil-error result
// means "no destination"; the caller (the super-stream producer) turns
// that into domain.ErrNoRoute at the send call site.
type Strategy interface {
	Route(msg domain.Message, partitions []string) ([]string, error)
}

// HashStrategy routes by MurmurHash3_x86_32(key) mod len(partitions), the
// default strategy for super-streams created without an explicit routing
// table.
type HashStrategy struct {
	Extractor Extractor
}

func NewHashStrategy(extractor Extractor) *HashStrategy {
	return &HashStrategy{Extractor: extractor}
}

func (s *HashStrategy) Route(msg domain.Message, partitions []string) ([]string, error) {
	if len(partitions) == 0 {
		return nil, nil
	}

	key := s.Extractor(msg)
	if key == "" {
		return nil, domain.ErrRoutingKeyMissing
	}

	h := MurmurHash3x86_32([]byte(key), hashSeed)
	idx := int(h % uint32(len(partitions)))
	return partitions[idx : idx+1], nil
}

// KeyStrategy routes by exact-match lookup of the extracted key against a
// caller-supplied routing table, the strategy super-streams created with
// explicit bindings use. A key with no table entry routes nowhere; it is
// not an error by itself, since a table may deliberately omit keys it wants
// dropped, but the super-stream producer still surfaces ErrNoRoute to the
// caller of Send for an unmatched message.
type KeyStrategy struct {
	Extractor Extractor
	Table     map[string][]string
}

func NewKeyStrategy(extractor Extractor, table map[string][]string) *KeyStrategy {
	return &KeyStrategy{Extractor: extractor, Table: table}
}

func (s *KeyStrategy) Route(msg domain.Message, partitions []string) ([]string, error) {
	key := s.Extractor(msg)
	if key == "" {
		return nil, domain.ErrRoutingKeyMissing
	}

	routed, ok := s.Table[key]
	if !ok {
		return nil, nil
	}
	return routed, nil
}

// MessageIDExtractor is the default Extractor, reading Properties.MessageID
// — the field EventEnvelope.ToMessage populates from an upstream event id.
func MessageIDExtractor(msg domain.Message) string {
	return msg.Properties.MessageID
}
