package bot

import (
	"context"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/mkw-stats/war-ingester/internal/config"
)

// EventConsumer reads image and command events for the bot worker.
// Offsets are committed only after the worker reports a record handled,
// so a crash replays unhandled events instead of dropping them.
type EventConsumer struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewEventConsumer(kc config.KafkaConfig, logger *zap.Logger) (*EventConsumer, error) {
	ec := &EventConsumer{logger: logger}

	topics := append(append([]string{}, kc.ImageTopics...), kc.CommandTopics...)
	opts := []kgo.Opt{
		kgo.SeedBrokers(kc.Brokers...),
		kgo.ConsumerGroup(kc.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.ClientID(kc.ClientID),
		kgo.FetchMaxBytes(kc.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			ec.joined.Store(true)
			logger.Info("event consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			ec.joined.Store(false)
			logger.Info("event consumer: partitions revoked")
		}),
	}

	tlsCfg, err := kc.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := kc.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	ec.client = client
	return ec, nil
}

// Run fetches records and sends them to the records channel.
// It reads from handled to commit offsets after the worker is done.
func (ec *EventConsumer) Run(ctx context.Context, records chan<- []*kgo.Record, handled <-chan []*kgo.Record) {
	// Start a goroutine to handle offset commits.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case recs, ok := <-handled:
				if !ok {
					return
				}
				for _, r := range recs {
					ec.client.MarkCommitRecords(r)
				}
				if err := ec.client.CommitMarkedOffsets(ctx); err != nil {
					ec.logger.Error("event consumer: commit offsets failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		fetches := ec.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				ec.logger.Error("event consumer: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (ec *EventConsumer) IsJoined() bool {
	return ec.joined.Load()
}

func (ec *EventConsumer) Close() {
	ec.client.Close()
}
