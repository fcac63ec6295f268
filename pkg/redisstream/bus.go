package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Bus carries outbound chat events from the relay to the websocket
// forwarders. It is an in-memory gochannel unless Redis is enabled.
type Bus struct {
	settings  Settings
	logger    watermill.LoggerAdapter
	publisher message.Publisher
	// memory is both publisher and shared subscriber in in-memory mode.
	memory *gochannel.GoChannel
	client *redis.Client
}

// BuildBus constructs the bus described by s.
func BuildBus(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		// Blocking until ack keeps a session's frames in publish order.
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{settings: s, logger: logger, publisher: ch, memory: ch}, nil
	}

	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis stream bus: addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream bus: publisher")
	}
	return &Bus{settings: s, logger: logger, publisher: pub, client: client}, nil
}

func (b *Bus) Publisher() message.Publisher {
	if b == nil {
		return nil
	}
	return b.publisher
}

// Subscriber returns a subscriber for topic. owned reports whether the
// caller must Close it; the in-memory subscriber is shared and owned by
// the bus.
func (b *Bus) Subscriber(ctx context.Context, topic string) (sub message.Subscriber, owned bool, err error) {
	if b == nil {
		return nil, false, errors.New("bus is not initialized")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, false, errors.New("topic is empty")
	}
	if b.memory != nil {
		return b.memory, false, nil
	}
	if ctx == nil {
		return nil, false, errors.New("ctx is nil")
	}
	group := b.settings.groupName()
	if err := EnsureGroupAtTail(ctx, b.client, topic, group); err != nil {
		return nil, false, err
	}
	s, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      b.settings.Consumer,
	}, b.logger)
	if err != nil {
		return nil, false, errors.Wrap(err, "redis stream bus: subscriber")
	}
	return s, true, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var first error
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			first = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && first == nil && !errors.Is(err, redis.ErrClosed) {
			first = err
		}
	}
	return first
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
