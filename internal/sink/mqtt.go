package sink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kgofron/ADTimePix3/internal/detector"
	"github.com/kgofron/ADTimePix3/internal/metrics"
	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/types"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// MQTTConfig configures the MQTT publication sink.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         int

	// PublishFrames additionally publishes the full encoded frame on the
	// frames/data topic. Metadata alone goes out on frames regardless.
	PublishFrames bool

	Username string
	Password string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (c *MQTTConfig) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "tpx3d"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "tpx3"
	}
	if c.QoS < 0 || c.QoS > 2 {
		c.QoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// MQTTStats counts sink activity.
type MQTTStats struct {
	ParamsPublished uint64 `json:"params_published"`
	FramesPublished uint64 `json:"frames_published"`
	PublishFailures uint64 `json:"publish_failures"`
	Connects        uint64 `json:"connects"`
	ConnectionDrops uint64 `json:"connection_drops"`
}

// publisher is the part of mqtt.Client the sink uses, split out so tests
// can substitute a fake without a broker.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// MQTTSink publishes parameter updates and frame metadata to an MQTT
// broker. Parameters go out retained on <prefix>/params/<name> so late
// subscribers see the last value; frames are not retained. Publish
// failures are counted and logged, never returned: a broker outage must
// not disturb acquisition.
type MQTTSink struct {
	config  MQTTConfig
	client  publisher
	logger  *utils.StructuredLogger
	metrics *metrics.Collector

	wg sync.WaitGroup

	mu    sync.Mutex
	stats MQTTStats
}

// NewMQTTSink connects to the broker and returns the sink. The connection
// auto-reconnects after drops; only the initial connect is fatal.
func NewMQTTSink(config MQTTConfig, logger *utils.StructuredLogger, collector *metrics.Collector) (*MQTTSink, error) {
	config.withDefaults()
	if config.Broker == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "mqtt sink requires a broker URL").
			WithComponent("mqtt")
	}

	s := &MQTTSink{
		config:  config,
		logger:  logger.WithComponent("mqtt"),
		metrics: collector,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetConnectTimeout(config.ConnectTimeout).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.mu.Lock()
		s.stats.Connects++
		s.mu.Unlock()
		s.logger.Info("Connected to MQTT broker", map[string]interface{}{
			"broker": config.Broker,
		})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.mu.Lock()
		s.stats.ConnectionDrops++
		s.mu.Unlock()
		s.logger.Warn("MQTT connection lost", map[string]interface{}{
			"error": err.Error(),
		})
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, errors.NewError(errors.ErrCodeTimeout, "mqtt broker connect timed out").
			WithComponent("mqtt").
			WithDetail("broker", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionRefused, "mqtt broker connect failed").
			WithComponent("mqtt").
			WithDetail("broker", config.Broker).
			WithCause(err)
	}

	s.client = client
	return s, nil
}

type frameEnvelope struct {
	FrameNumber uint64    `json:"frame_number"`
	Rank        int       `json:"rank"`
	Dims        []int     `json:"dims"`
	DataType    string    `json:"data_type"`
	Layout      string    `json:"layout"`
	ByteSize    int       `json:"byte_size"`
	Timestamp   time.Time `json:"timestamp"`
}

type paramEnvelope struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// OnFrame publishes frame metadata, plus the encoded frame itself when
// PublishFrames is set. The encode copies the pixel data, so the caller's
// buffer can be recycled immediately.
func (s *MQTTSink) OnFrame(frame *types.Frame) error {
	desc := frame.Descriptor
	meta := frameEnvelope{
		FrameNumber: frame.FrameNumber,
		Rank:        desc.Rank,
		Dims:        desc.Dims[:desc.Rank],
		DataType:    desc.DataType.String(),
		Layout:      desc.Layout.String(),
		ByteSize:    len(frame.Data),
		Timestamp:   frame.Timestamp,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		s.noteFailure(s.topic("frames"), err)
		return nil
	}
	s.publish("frame", s.topic("frames"), false, payload)

	if s.config.PublishFrames {
		s.publish("frame", s.topic("frames/data"), false, detector.EncodeFrame(frame))
	}
	return nil
}

// OnParameterUpdate publishes the value retained on its parameter topic.
func (s *MQTTSink) OnParameterUpdate(name string, value types.ParamValue) error {
	payload, err := json.Marshal(paramEnvelope{
		Name:      name,
		Value:     value.Interface(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.noteFailure(s.topic("params/"+name), err)
		return nil
	}
	s.publish("param", s.topic("params/"+name), true, payload)
	return nil
}

// Close waits for in-flight confirmations and disconnects.
func (s *MQTTSink) Close() error {
	s.wg.Wait()
	s.client.Disconnect(250)

	stats := s.Stats()
	s.logger.Info("MQTT sink closed", map[string]interface{}{
		"params_published": stats.ParamsPublished,
		"frames_published": stats.FramesPublished,
		"publish_failures": stats.PublishFailures,
	})
	return nil
}

// Connected reports broker connectivity for health checks.
func (s *MQTTSink) Connected() bool {
	return s.client.IsConnected()
}

// Stats returns a snapshot of the sink counters.
func (s *MQTTSink) Stats() MQTTStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *MQTTSink) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", s.config.TopicPrefix, suffix)
}

// publish hands the message to the client and confirms the token off the
// caller's goroutine; the acquisition loop never waits on the broker.
func (s *MQTTSink) publish(kind, topic string, retained bool, payload []byte) {
	token := s.client.Publish(topic, byte(s.config.QoS), retained, payload)
	s.wg.Add(1)
	go s.confirm(kind, topic, token)
}

func (s *MQTTSink) confirm(kind, topic string, token mqtt.Token) {
	defer s.wg.Done()

	select {
	case <-token.Done():
	case <-time.After(s.config.PublishTimeout):
		s.noteFailure(topic, errors.NewError(errors.ErrCodeTimeout, "publish confirmation timed out").
			WithComponent("mqtt").
			WithDetail("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		s.noteFailure(topic, err)
		return
	}

	s.mu.Lock()
	if kind == "param" {
		s.stats.ParamsPublished++
	} else {
		s.stats.FramesPublished++
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordSinkPublish("mqtt", nil)
	}
}

func (s *MQTTSink) noteFailure(topic string, err error) {
	s.mu.Lock()
	s.stats.PublishFailures++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordSinkPublish("mqtt", err)
	}
	s.logger.Warn("MQTT publish failed", map[string]interface{}{
		"topic": topic,
		"error": err.Error(),
	})
}
