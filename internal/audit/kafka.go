// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// KafkaSink forwards ledger events to a Kafka (or Redpanda) topic for
// off-host retention. Messages are keyed by actor so one operator's events
// land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("audit: kafka sink needs at least one broker")
	}
	if topic == "" {
		return nil, errors.New("audit: kafka sink needs a topic")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

// Publish writes one event.
func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	key := e.Actor
	if key == "" {
		key = string(e.Kind)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
			{Key: "type", Value: []byte(e.Type)},
		},
	})
}

// Close flushes pending writes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
