package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/janelia-flyem/npmutate/neuprint"

	"github.com/Shopify/sarama"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * 1000

// MutationLog receives a JSON-able record of every committed mutation.
type MutationLog interface {
	LogMutation(dataset string, msg map[string]interface{}) error
}

// KafkaConfig describes the kafka servers receiving mutation records.
type KafkaConfig struct {
	TopicPrefix string // if supplied, will be prefixed to any mutation logging
	Servers     []string
	BufferSize  int // max buffered messages before producer blocks
}

// KafkaLog publishes mutation records to one topic per dataset.
type KafkaLog struct {
	producer    sarama.AsyncProducer
	topicPrefix string
	done        chan struct{}
}

var badTopicChars = regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)

// NewKafkaLog connects an async producer to the configured servers.  It returns nil if
// no servers are configured.
func NewKafkaLog(kc KafkaConfig) (*KafkaLog, error) {
	if len(kc.Servers) == 0 {
		return nil, nil
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	kl := newKafkaLog(producer, kc.TopicPrefix)
	neuprint.Infof("Kafka topic prefix for mutations: %q\n", kc.TopicPrefix)
	return kl, nil
}

func newKafkaLog(producer sarama.AsyncProducer, prefix string) *KafkaLog {
	kl := &KafkaLog{producer: producer, topicPrefix: prefix, done: make(chan struct{})}
	go func() {
		defer close(kl.done)
		for err := range producer.Errors() {
			neuprint.Errorf("error on kafka send to topic %q: %v\n", err.Msg.Topic, err.Err)
		}
	}()
	return kl
}

// Topic returns the topic name for mutations of a dataset.
func (kl *KafkaLog) Topic(dataset string) string {
	return badTopicChars.ReplaceAllString(kl.topicPrefix+"neuprint-"+dataset, "-")
}

// LogMutation queues a message for the dataset's topic.  Delivery failures are logged
// asynchronously and never reach the caller.
func (kl *KafkaLog) LogMutation(dataset string, msg map[string]interface{}) error {
	if kl == nil || kl.producer == nil {
		return nil
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("unable to serialize mutation for kafka: %v", err)
	}
	if len(value) > KafkaMaxMessageSize {
		return fmt.Errorf("mutation message of %d bytes exceeds kafka max of %d bytes", len(value), KafkaMaxMessageSize)
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	kl.producer.Input() <- &sarama.ProducerMessage{
		Topic: kl.Topic(dataset),
		Key:   timeKey,
		Value: sarama.ByteEncoder(value),
	}
	return nil
}

// Close flushes the queue before stopping the producer.
func (kl *KafkaLog) Close() error {
	if kl == nil || kl.producer == nil {
		return nil
	}
	err := kl.producer.Close()
	<-kl.done
	if err != nil {
		neuprint.Errorf("Kafka producer had error on close: %v\n", err)
		return err
	}
	neuprint.Infof("Successfully shut down kafka producer.\n")
	return nil
}
