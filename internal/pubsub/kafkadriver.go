package pubsub

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// The kafka driver serves deployments where the change stream is fronted
// by a single-partition Kafka topic instead of the event bus. Replay ids
// are the partition offset encoded big-endian, so they stay opaque,
// ordered bytes to everything above the transport. Payloads in the
// Confluent wire format carry their schema id in the frame header.
func init() {
	Register("kafka", newKafkaDriver)
}

type kafkaDriver struct {
	client   sarama.Client
	consumer sarama.Consumer
	idle     time.Duration
}

func newKafkaDriver(cfg DriverConfig) (Transport, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	if cfg.KafkaVersion != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.KafkaVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: kafka version: %v", ErrTransport, err)
		}
		sc.Version = ver
	}
	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client: %v", ErrTransport, err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: kafka consumer: %v", ErrTransport, err)
	}
	idle := cfg.IdleWindow
	if idle == 0 {
		idle = 5 * time.Second
	}
	return &kafkaDriver{client: client, consumer: consumer, idle: idle}, nil
}

func (d *kafkaDriver) GetTopicInfo(ctx context.Context, topic string) (TopicInfo, error) {
	parts, err := d.consumer.Partitions(topic)
	if err != nil {
		return TopicInfo{}, fmt.Errorf("%w: %v", ErrTopicUnavailable, err)
	}
	// Schema ids travel per message in the Confluent frame header, so the
	// probe has none to report.
	return TopicInfo{Name: topic, CanSubscribe: len(parts) > 0}, nil
}

func (d *kafkaDriver) Subscribe(ctx context.Context, topic string, start Start, numRequested int) (Stream, error) {
	var offset int64
	switch start.Preset {
	case PresetEarliest:
		offset = sarama.OffsetOldest
	case PresetLatest:
		offset = sarama.OffsetNewest
	case PresetCustom:
		if len(start.ReplayID) != 8 {
			return nil, fmt.Errorf("%w: replay id must be 8 bytes, got %d", ErrTransport, len(start.ReplayID))
		}
		// Resume after the checkpointed offset, never at it.
		offset = int64(binary.BigEndian.Uint64(start.ReplayID)) + 1
	}
	pc, err := d.consumer.ConsumePartition(topic, 0, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: consume %s: %v", ErrTopicUnavailable, topic, err)
	}
	return &kafkaStream{topic: topic, pc: pc, idle: d.idle, budget: numRequested}, nil
}

func (d *kafkaDriver) Close() error {
	_ = d.consumer.Close()
	return d.client.Close()
}

type kafkaStream struct {
	topic     string
	pc        sarama.PartitionConsumer
	idle      time.Duration
	budget    int
	cancelled atomic.Bool
}

// Recv gathers whatever is buffered up to the request budget. An idle
// window with no traffic is reported as a keepalive, mirroring the event
// bus's caught-up signal.
func (s *kafkaStream) Recv() (*FetchResponse, error) {
	if s.budget <= 0 {
		return &FetchResponse{}, nil
	}
	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	var evs []Envelope
	for len(evs) < s.budget {
		if len(evs) == 0 {
			select {
			case msg, ok := <-s.pc.Messages():
				if !ok {
					return nil, s.closedErr()
				}
				evs = append(evs, s.envelope(msg))
			case kerr := <-s.pc.Errors():
				return nil, fmt.Errorf("%w: %v", ErrTransport, kerr)
			case <-timer.C:
				return &FetchResponse{}, nil
			}
			continue
		}
		// Drain what is already buffered without blocking.
		select {
		case msg, ok := <-s.pc.Messages():
			if !ok {
				return nil, s.closedErr()
			}
			evs = append(evs, s.envelope(msg))
		default:
			s.budget -= len(evs)
			return s.response(evs), nil
		}
	}
	s.budget -= len(evs)
	return s.response(evs), nil
}

func (s *kafkaStream) response(evs []Envelope) *FetchResponse {
	return &FetchResponse{Events: evs, LatestReplayID: evs[len(evs)-1].ReplayID}
}

func (s *kafkaStream) closedErr() error {
	if s.cancelled.Load() {
		return context.Canceled
	}
	return fmt.Errorf("%w: partition consumer closed", ErrTransport)
}

func (s *kafkaStream) envelope(msg *sarama.ConsumerMessage) Envelope {
	replayID := make([]byte, 8)
	binary.BigEndian.PutUint64(replayID, uint64(msg.Offset))
	schemaID, payload := ParseConfluentFrame(msg.Value)
	eventID := string(msg.Key)
	if eventID == "" {
		eventID = fmt.Sprintf("%s-0-%d", msg.Topic, msg.Offset)
	}
	return Envelope{
		Topic:    s.topic,
		ReplayID: replayID,
		SchemaID: schemaID,
		EventID:  eventID,
		Payload:  payload,
	}
}

func (s *kafkaStream) Request(n int) error {
	s.budget += n
	return nil
}

func (s *kafkaStream) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.pc.AsyncClose()
	}
}

func (s *kafkaStream) Close() error {
	s.Cancel()
	return nil
}

// ParseConfluentFrame splits a Confluent-framed value into its schema id
// and raw payload. Values without the magic byte are returned unchanged
// with an empty schema id.
func ParseConfluentFrame(value []byte) (schemaID string, payload []byte) {
	if len(value) >= 5 && value[0] == 0 {
		id := binary.BigEndian.Uint32(value[1:5])
		return strconv.FormatUint(uint64(id), 10), value[5:]
	}
	return "", value
}
