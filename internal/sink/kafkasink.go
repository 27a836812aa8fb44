package sink

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/internal/event"
)

// KafkaConfig holds configuration for Kafka producer
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	// SASL config
	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	// TLS config
	TLSCAPath     string
	TLSSkipVerify bool
}

// KafkaSink produces visits to Kafka with key=visit id
type KafkaSink struct {
	config   KafkaConfig
	producer *kafka.Producer
	log      zerolog.Logger
}

// NewKafkaSinkFromEnv creates a KafkaSink from environment variables
func NewKafkaSinkFromEnv(log zerolog.Logger) *KafkaSink {
	brokersStr := os.Getenv("KAFKA_BROKERS")
	if brokersStr == "" {
		brokersStr = "localhost:9092"
	}
	brokers := strings.Split(brokersStr, ",")
	for i, broker := range brokers {
		brokers[i] = strings.TrimSpace(broker)
	}

	config := KafkaConfig{
		Brokers:       brokers,
		Topic:         getEnvOr("KAFKA_TOPIC", "botbeacon.visits"),
		Acks:          getEnvOr("KAFKA_ACKS", "all"),
		Compression:   getEnvOr("KAFKA_COMPRESSION", ""),
		SASLMechanism: os.Getenv("KAFKA_SASL_MECHANISM"),
		SASLUser:      os.Getenv("KAFKA_SASL_USER"),
		SASLPassword:  os.Getenv("KAFKA_SASL_PASSWORD"),
		TLSCAPath:     os.Getenv("KAFKA_TLS_CA"),
		TLSSkipVerify: getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
	}

	return &KafkaSink{config: config, log: log}
}

// NewKafkaSink creates a KafkaSink with explicit configuration
func NewKafkaSink(brokers []string, topic string, log zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		config: KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
			Acks:    "all",
		},
		log: log,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) configMap() kafka.ConfigMap {
	configMap := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}

	if s.config.Compression != "" {
		configMap["compression.type"] = s.config.Compression
	}

	if s.config.SASLMechanism != "" {
		configMap["security.protocol"] = "SASL_SSL"
		configMap["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			configMap["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			configMap["sasl.password"] = s.config.SASLPassword
		}
	}

	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			configMap["security.protocol"] = "SSL"
		}
		configMap["ssl.ca.location"] = s.config.TLSCAPath
	}

	if s.config.TLSSkipVerify {
		configMap["ssl.endpoint.identification.algorithm"] = "none"
	}
	return configMap
}

func (s *KafkaSink) Start(ctx context.Context) error {
	configMap := s.configMap()
	producer, err := kafka.NewProducer(&configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	s.producer = producer

	go s.handleDeliveryReports(ctx)

	return nil
}

// message builds the Kafka record for a visit.
func (s *KafkaSink) message(v event.BotVisit) (*kafka.Message, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize visit: %w", err)
	}
	method, _ := v.AdditionalData[event.KeyMethod].(string)
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(v.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "bot_type", Value: []byte(v.BotType)},
			{Key: "method", Value: []byte(method)},
			{Key: "schema", Value: []byte("bot_visit.v1")},
		},
	}, nil
}

func (s *KafkaSink) Enqueue(v event.BotVisit) error {
	if s.producer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}

	msg, err := s.message(v)
	if err != nil {
		return err
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}

	// wait up to 10 seconds for in-flight messages
	remaining := s.producer.Flush(10 * 1000)
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("failed to flush %d remaining messages", remaining)
	}
	return nil
}

func (s *KafkaSink) handleDeliveryReports(ctx context.Context) {
	events := s.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					s.log.Error().Err(e.TopicPartition.Error).Str("key", string(e.Key)).Msg("kafka delivery failed")
				}
			case kafka.Error:
				s.log.Error().Err(e).Msg("kafka error")
			}
		}
	}
}

// Helper functions
func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return defaultValue
}
