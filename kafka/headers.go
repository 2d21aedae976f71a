package kafka

import (
	"sort"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/overtonx/mailrelay"
)

// Provenance headers added to every dead-lettered message.
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderFailureType       = "x-failure-type"
	HeaderFailureMessage    = "x-failure-message"
	HeaderAttempts          = "x-attempts"
)

// headerMap flattens Kafka headers. A repeated key keeps its last value.
func headerMap(headers []ckafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// kafkaHeaders converts a header map back to Kafka headers, sorted by key.
func kafkaHeaders(headers map[string]string) []ckafka.Header {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ckafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, ckafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

// outgoingHeaders rebuilds the headers of msg for republishing. Original headers keep their
// order and repeated keys; a key present in overrides is dropped from the original set and
// the overrides are appended, sorted by key.
func outgoingHeaders(msg mailrelay.RawMessage, overrides map[string]string) []ckafka.Header {
	var original []ckafka.Header
	if msg.RecordHeaders != nil {
		original = make([]ckafka.Header, 0, len(msg.RecordHeaders))
		for _, h := range msg.RecordHeaders {
			original = append(original, ckafka.Header{Key: h.Key, Value: h.Value})
		}
	} else {
		original = kafkaHeaders(msg.Headers)
	}

	out := make([]ckafka.Header, 0, len(original)+len(overrides))
	for _, h := range original {
		if _, ok := overrides[h.Key]; !ok {
			out = append(out, h)
		}
	}
	return append(out, kafkaHeaders(overrides)...)
}

func recordHeaders(headers []ckafka.Header) []mailrelay.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]mailrelay.Header, 0, len(headers))
	for _, h := range headers {
		out = append(out, mailrelay.Header{Key: h.Key, Value: h.Value})
	}
	return out
}

func toRawMessage(msg *ckafka.Message, position int) mailrelay.RawMessage {
	var topic string
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}
	return mailrelay.RawMessage{
		Topic:     topic,
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Position:  position,
		Key:       msg.Key,
		Payload:   msg.Value,
		Headers:   headerMap(msg.Headers),
		Timestamp: msg.Timestamp,

		RecordHeaders: recordHeaders(msg.Headers),
	}
}
