package channels

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaChannel публикует события жизненного цикла в топик Kafka, чтобы
// другие сервисы могли на них подписаться.
type KafkaChannel struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
}

// NewKafkaChannel создаёт канал. Если brokers или topic пустые — канал выключен.
func NewKafkaChannel(brokers []string, topic string) *KafkaChannel {
	if len(brokers) == 0 || topic == "" {
		return &KafkaChannel{}
	}
	return &KafkaChannel{
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Enabled() bool { return c.writer != nil }

func (c *KafkaChannel) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(map[string]interface{}{
		"event":   string(p.Kind()),
		"payload": p,
	})
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.Kind()),
		Value: body,
	})
}

func (c *KafkaChannel) Test(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close закрывает writer.
func (c *KafkaChannel) Close() error {
	if c.writer == nil {
		return nil
	}
	return c.writer.Close()
}

// ParseBrokers разбивает строку брокеров "host1:9092,host2:9092" на слайс.
func ParseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
