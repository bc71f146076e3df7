package redpanda

import "testing"

func TestTopicForEvent(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{"ChargeSettled", TopicCoverageSettlements},
		{"PolicyRegistered", TopicCoverageEvents},
		{"PolicyTermsUpdated", TopicCoverageEvents},
		{"DeductibleReset", TopicCoverageEvents},
	}
	for _, tt := range tests {
		if got := TopicForEvent(tt.eventType); got != tt.want {
			t.Errorf("TopicForEvent(%q) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(0)

	seen := make(map[string]bool)
	for _, cfg := range configs {
		if cfg.ReplicationFactor != 1 {
			t.Errorf("%s: replication = %d, want 1", cfg.Name, cfg.ReplicationFactor)
		}
		if cfg.Partitions <= 0 {
			t.Errorf("%s: partitions = %d", cfg.Name, cfg.Partitions)
		}
		seen[cfg.Name] = true
	}

	for _, name := range []string{
		TopicCoverageEvents, TopicCoverageSettlements, TopicDispenseRequests, TopicAuditTrail, TopicDeadLetter,
	} {
		if !seen[name] {
			t.Errorf("missing topic %s", name)
		}
	}

	for _, cfg := range DefaultTopicConfigs(3) {
		if cfg.ReplicationFactor != 3 {
			t.Errorf("%s: replication = %d, want 3", cfg.Name, cfg.ReplicationFactor)
		}
	}
}

func TestSumLag(t *testing.T) {
	lag := map[string]map[int32]int64{
		TopicDispenseRequests: {0: 4, 1: 0, 2: 7},
		TopicAuditTrail:       {0: 1},
	}
	if got := SumLag(lag); got != 12 {
		t.Errorf("SumLag = %d, want 12", got)
	}
	if got := SumLag(nil); got != 0 {
		t.Errorf("SumLag(nil) = %d, want 0", got)
	}
}
