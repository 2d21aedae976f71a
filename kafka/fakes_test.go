package kafka

import (
	"sync"
	"time"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type fakeConsumer struct {
	mu        sync.Mutex
	events    []ckafka.Event
	commits   [][]ckafka.TopicPartition
	seeks     []ckafka.TopicPartition
	topics    []string
	commitErr error

	// redeliver makes Seek queue the pushed messages of that partition again, like a
	// broker would after a rewind.
	redeliver bool
	history   []*ckafka.Message
}

func (c *fakeConsumer) SubscribeTopics(topics []string, _ ckafka.RebalanceCb) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = topics
	return nil
}

func (c *fakeConsumer) Poll(timeoutMs int) ckafka.Event {
	c.mu.Lock()
	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		c.mu.Unlock()
		return ev
	}
	c.mu.Unlock()
	time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
	return nil
}

func (c *fakeConsumer) CommitOffsets(offsets []ckafka.TopicPartition) ([]ckafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return nil, c.commitErr
	}
	c.commits = append(c.commits, offsets)
	return offsets, nil
}

func (c *fakeConsumer) Seek(partition ckafka.TopicPartition, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeks = append(c.seeks, partition)
	if c.redeliver {
		for _, msg := range c.history {
			tp := msg.TopicPartition
			if *tp.Topic == *partition.Topic && tp.Partition == partition.Partition && tp.Offset >= partition.Offset {
				c.events = append(c.events, msg)
			}
		}
	}
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

func (c *fakeConsumer) push(events ...ckafka.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	for _, ev := range events {
		if msg, ok := ev.(*ckafka.Message); ok {
			c.history = append(c.history, msg)
		}
	}
}

func (c *fakeConsumer) committed() [][]ckafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]ckafka.TopicPartition(nil), c.commits...)
}

func (c *fakeConsumer) sought() []ckafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ckafka.TopicPartition(nil), c.seeks...)
}

func kafkaMessage(topic string, partition int32, offset int64, value string) *ckafka.Message {
	return &ckafka.Message{
		TopicPartition: ckafka.TopicPartition{Topic: &topic, Partition: partition, Offset: ckafka.Offset(offset)},
		Key:            []byte("key"),
		Value:          []byte(value),
		Headers:        []ckafka.Header{{Key: "traceparent", Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")}},
	}
}

type fakeProducer struct {
	mu         sync.Mutex
	produced   []*ckafka.Message
	produceErr error
	deliverErr error
	silent     bool
	events     chan ckafka.Event
	flushed    bool
	closed     bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{events: make(chan ckafka.Event)}
}

func (p *fakeProducer) Produce(msg *ckafka.Message, deliveryChan chan ckafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.produceErr != nil {
		return p.produceErr
	}
	p.produced = append(p.produced, msg)
	if p.silent {
		return nil
	}
	report := *msg
	report.TopicPartition.Error = p.deliverErr
	report.TopicPartition.Offset = ckafka.Offset(len(p.produced) - 1)
	deliveryChan <- &report
	return nil
}

func (p *fakeProducer) Events() chan ckafka.Event { return p.events }

func (p *fakeProducer) Flush(int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed = true
	return 0
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

func (p *fakeProducer) messages() []*ckafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ckafka.Message(nil), p.produced...)
}
