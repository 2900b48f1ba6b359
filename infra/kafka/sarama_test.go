package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestSyncProducerPublishesKeyedMessage(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, cfg)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"v":1}` {
			t.Errorf("value = %s", val)
		}
		return nil
	})

	p := newSyncProducer(mp, "perpcore.events")
	if err := p.Publish(context.Background(), "BTC-PERP", []byte(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSyncProducerSurfacesFailure(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newSyncProducer(mp, "perpcore.events")
	if err := p.Publish(context.Background(), "k", []byte("x")); err != sarama.ErrOutOfBrokers {
		t.Fatalf("err = %v", err)
	}
	_ = p.Close()
}

func TestCancelledContextIsNotSent(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p := newSyncProducer(mp, "t")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, "k", nil); err == nil {
		t.Fatal("expected context error")
	}
	_ = p.Close()
}
