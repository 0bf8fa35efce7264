package nats

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/brojonat/dmtrace/service/notify"
)

const subjectPrefix = "dmlog.batches."

// Subject is the subject a shard's batch-ready events are published to: "dmlog.batches.{shard}".
func Subject(shard int) string {
	return subjectPrefix + strconv.Itoa(shard)
}

// ShardFromSubject is the inverse of Subject.
func ShardFromSubject(subject string) (int, error) {
	s, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok {
		return 0, fmt.Errorf("subject %q is not a batch subject", subject)
	}
	shard, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("subject %q has an invalid shard: %w", subject, err)
	}
	return shard, nil
}

// DecodeBatchReady parses a message payload published by JetStreamPublisher.
func DecodeBatchReady(data []byte) (*notify.BatchReady, error) {
	var event notify.BatchReady
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode batch event: %w", err)
	}
	if event.Path == "" {
		return nil, fmt.Errorf("batch event %d has no path", event.BatchNumber)
	}
	return &event, nil
}
