package bss

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RunRequest asks a running service to execute the pipeline again.
type RunRequest struct {
	Seed   *int64 `json:"seed,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RunRequestHandler is invoked for every message on {prefix}/run.
type RunRequestHandler func(req RunRequest)

// MQTTClient owns the broker connection used to publish results and receive
// run requests.
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	runHandler  RunRequestHandler
	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT connects to the configured broker in the background. An empty
// broker disables MQTT and returns (nil, nil).
func InitMQTT(ctx context.Context, config MQTTConfig) (*MQTTClient, error) {
	if config.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config.PublishPrefix == "" {
		return nil, fmt.Errorf("%w: mqtt.publishPrefix is required", ErrInvalidConfig)
	}

	c := &MQTTClient{config: config}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	clientID := config.ClientID
	if clientID == "" {
		clientID = "icasar"
	}
	opts.SetClientID(clientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
		c.setConnected(false)
	})

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry(ctx)
	return c, nil
}

// connectWithRetry retries with exponential backoff until connected or ctx
// is cancelled.
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := time.Second
	const maxRetryDelay = 60 * time.Second

	for {
		log.Printf("Connecting to MQTT broker %s...", c.config.Broker)
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// RunTopic is where run requests are received.
func (c *MQTTClient) RunTopic() string {
	return c.config.PublishPrefix + "/run"
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.RunTopic()
	token := client.Subscribe(topic, 1, c.handleRunMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("Subscribed to %s", topic)
}

// handleRunMessage accepts a JSON RunRequest or any other payload, which is
// treated as a request with default settings.
func (c *MQTTClient) handleRunMessage(_ mqtt.Client, msg mqtt.Message) {
	var req RunRequest
	payload := strings.TrimSpace(string(msg.Payload()))
	if payload != "" {
		if err := json.Unmarshal(msg.Payload(), &req); err != nil {
			req = RunRequest{Reason: payload}
		}
	}
	log.Printf("Run requested via %s (reason: %q)", msg.Topic(), req.Reason)

	if h := c.getRunHandler(); h != nil {
		h(req)
	}
}

// SetRunHandler registers the callback for run requests.
func (c *MQTTClient) SetRunHandler(handler RunRequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runHandler = handler
}

func (c *MQTTClient) getRunHandler() RunRequestHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the connection after a short quiesce.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying paho client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing client, used by tests.
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig) *MQTTClient {
	return &MQTTClient{client: client, config: config}
}
