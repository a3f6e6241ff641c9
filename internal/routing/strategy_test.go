package routing

import (
	"testing"
	"testing/quick"

	"streamx/internal/domain"
)

func msgWithKey(key string) domain.Message {
	return domain.Message{Properties: domain.Properties{MessageID: key}}
}

func TestHashStrategyDeterministic(t *testing.T) {
	partitions := []string{"invoices-0", "invoices-1", "invoices-2"}
	s := NewHashStrategy(MessageIDExtractor)

	first, err := s.Route(msgWithKey("hello1"), partitions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Route(msgWithKey("hello1"), partitions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first[0] != second[0] {
		t.Fatalf("same key routed differently: %v vs %v", first, second)
	}
}

func TestHashStrategyEmptyKey(t *testing.T) {
	s := NewHashStrategy(MessageIDExtractor)
	_, err := s.Route(msgWithKey(""), []string{"p0"})
	if err != domain.ErrRoutingKeyMissing {
		t.Fatalf("expected ErrRoutingKeyMissing, got %v", err)
	}
}

func TestHashStrategyNoPartitions(t *testing.T) {
	s := NewHashStrategy(MessageIDExtractor)
	routed, err := s.Route(msgWithKey("hello1"), nil)
	if err != nil {
		t.Fatalf("expected no error for an empty partition list, got %v", err)
	}
	if len(routed) != 0 {
		t.Fatalf("expected an empty route, got %v", routed)
	}
}

func TestHashStrategyRangeProperty(t *testing.T) {
	partitions := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}
	s := NewHashStrategy(MessageIDExtractor)

	assertion := func(key string) bool {
		if key == "" {
			return true
		}
		routed, err := s.Route(msgWithKey(key), partitions)
		if err != nil {
			return false
		}
		for _, want := range partitions {
			if routed[0] == want {
				return true
			}
		}
		return false
	}
	if err := quick.Check(assertion, nil); err != nil {
		t.Error(err)
	}
}

func TestKeyStrategyExactMatch(t *testing.T) {
	table := map[string][]string{
		"eu": {"orders-eu"},
		"us": {"orders-us"},
	}
	s := NewKeyStrategy(MessageIDExtractor, table)

	routed, err := s.Route(msgWithKey("eu"), []string{"orders-eu", "orders-us"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(routed) != 1 || routed[0] != "orders-eu" {
		t.Fatalf("expected [orders-eu], got %v", routed)
	}
}

func TestKeyStrategyUnknownKeyIsNilNotError(t *testing.T) {
	s := NewKeyStrategy(MessageIDExtractor, map[string][]string{"eu": {"orders-eu"}})

	routed, err := s.Route(msgWithKey("apac"), []string{"orders-eu"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if routed != nil {
		t.Fatalf("expected nil route, got %v", routed)
	}
}

func TestMurmurHash3x86_32KnownVectors(t *testing.T) {
	cases := []struct {
		data []byte
		seed uint32
		want uint32
	}{
		{[]byte(""), 0, 0},
		{[]byte(""), 1, 0x514e28b7},
		{[]byte("test"), 0, 0xba6bd213},
	}
	for _, c := range cases {
		got := MurmurHash3x86_32(c.data, c.seed)
		if got != c.want {
			t.Errorf("MurmurHash3x86_32(%q, %d) = %#x, want %#x", c.data, c.seed, got, c.want)
		}
	}
}
