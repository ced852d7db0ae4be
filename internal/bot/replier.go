package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/mkw-stats/war-ingester/internal/config"
)

// Replier produces bot replies to the reply topic. Records are keyed by
// channel so the chat client renders each channel's replies in order.
type Replier struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewReplier(kc config.KafkaConfig, logger *zap.Logger) (*Replier, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(kc.Brokers...),
		kgo.ClientID(kc.ClientID),
		kgo.DefaultProduceTopic(kc.ReplyTopic),
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

	return &Replier{client: client, topic: kc.ReplyTopic, logger: logger}, nil
}

func (rp *Replier) Send(ctx context.Context, reply Reply) {
	value, err := json.Marshal(reply)
	if err != nil {
		rp.logger.Error("replier: marshal failed", zap.Error(err))
		return
	}
	rec := &kgo.Record{
		Key:   []byte(strconv.FormatInt(reply.ChannelID, 10)),
		Value: value,
	}
	rp.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			rp.logger.Error("replier: produce failed",
				zap.Int64("guild_id", reply.GuildID),
				zap.Int64("channel_id", reply.ChannelID),
				zap.Error(err),
			)
		}
	})
}

// Sendf formats and sends a reply addressed like the triggering event.
func (rp *Replier) Sendf(ctx context.Context, ev *CommandEvent, format string, args ...any) {
	rp.Send(ctx, Reply{
		GuildID:   ev.GuildID,
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
		Content:   fmt.Sprintf(format, args...),
	})
}

func (rp *Replier) Close() {
	rp.client.Close()
}
