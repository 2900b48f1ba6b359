package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

type SyncProducer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSyncProducer(brokers []string, topic string) (*SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return newSyncProducer(producer, topic), nil
}

func newSyncProducer(p sarama.SyncProducer, topic string) *SyncProducer {
	return &SyncProducer{producer: p, topic: topic}
}

// Publish sends one message. sarama's SyncProducer has no context, so ctx
// is only checked before sending.
func (p *SyncProducer) Publish(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (p *SyncProducer) Close() error {
	return p.producer.Close()
}
