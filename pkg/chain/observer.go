package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"tbc/pkg/models"
	"tbc/pkg/tgp"
)

// Event is one settlement-contract log as published by the chain indexer.
// "escrow.verified" becomes a VERIFY message, "escrow.settled" a SETTLE.
type Event struct {
	Type        string `json:"type"`
	ChainID     uint64 `json:"chain_id"`
	SessionID   string `json:"session_id"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

const (
	EventVerified = "escrow.verified"
	EventSettled  = "escrow.settled"
)

var ErrUnknownEvent = errors.New("unknown chain event type")

// Message converts the event into its protocol message.
func (e Event) Message() (tgp.Message, error) {
	var kind tgp.Kind
	switch e.Type {
	case EventVerified:
		kind = tgp.KindVerify
	case EventSettled:
		kind = tgp.KindSettle
	default:
		return tgp.Message{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	if e.ChainID == 0 || e.SessionID == "" {
		return tgp.Message{}, fmt.Errorf("%w: chain_id and session_id required", tgp.ErrMalformedMessage)
	}
	msg := tgp.NewOutbound(kind, e.ChainID, e.SessionID, models.ChainEventPayload{
		TxHash:      e.TxHash,
		BlockNumber: e.BlockNumber,
	})
	msg.Origin = tgp.OriginChain
	return msg, nil
}

type Consumer interface {
	ReadMessage(ctx context.Context) (RawEvent, error)
	Close() error
}

type RawEvent struct {
	Value []byte
}

type KafkaObserver struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaObserver(cfg KafkaConfig) (*KafkaObserver, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaObserver{reader: r}, nil
}

func (o *KafkaObserver) ReadMessage(ctx context.Context) (RawEvent, error) {
	if o == nil || o.reader == nil {
		return RawEvent{}, fmt.Errorf("kafka observer not initialized")
	}
	msg, err := o.reader.ReadMessage(ctx)
	if err != nil {
		return RawEvent{}, err
	}
	return RawEvent{Value: msg.Value}, nil
}

func (o *KafkaObserver) Close() error {
	if o == nil || o.reader == nil {
		return nil
	}
	return o.reader.Close()
}

// Run pumps decoded chain events into handle until the consumer fails or the
// context ends. Malformed events are logged and skipped; the settlement
// contract is the source of truth and a bad frame must not stall the stream.
func Run(ctx context.Context, consumer Consumer, handle func(context.Context, tgp.Message)) error {
	for {
		raw, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var evt Event
		if err := json.Unmarshal(raw.Value, &evt); err != nil {
			log.Printf("chain: skip undecodable event: %v", err)
			continue
		}
		msg, err := evt.Message()
		if err != nil {
			log.Printf("chain: skip event: %v", err)
			continue
		}
		handle(ctx, msg)
	}
}
