//go:build !no_mqtt

// Package mqtt publishes node state to an MQTT broker and accepts action
// requests on a command topic.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"cellnode/internal/node"
)

// mqttSource marks requests queued from the command topic.
const mqttSource = "mqtt"

// Node is the part of the node the bridge publishes and drives.
type Node interface {
	Events() *node.EventBus
	Status() node.Status
	Trigger(action, source string) error
}

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string // default cellnode-<node id>
	NodeID      string
	// StatusInterval republishes the retained status; zero disables it.
	StatusInterval time.Duration
	// DiscoveryPrefix enables Home Assistant discovery when set.
	DiscoveryPrefix string
}

// Bridge connects the node to MQTT.
type Bridge struct {
	client pahomqtt.Client
	node   Node
	cfg    Config
	topics topics
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// topics are the per-node topic names under <prefix>/<node id>.
type topics struct {
	base         string
	availability string
	status       string
	ota          string
	network      string
	cmd          string
	cmdResult    string
}

func newTopics(prefix, nodeID string) topics {
	base := prefix + "/" + nodeID
	return topics{
		base:         base,
		availability: base + "/availability",
		status:       base + "/status",
		ota:          base + "/ota",
		network:      base + "/network",
		cmd:          base + "/cmd",
		cmdResult:    base + "/cmd/result",
	}
}

func (t topics) event(eventType string) string {
	return t.base + "/event/" + eventType
}

func newBridge(n Node, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		node:   n,
		cfg:    cfg,
		topics: newTopics(cfg.TopicPrefix, cfg.NodeID),
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(n Node, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "cellnode-" + cfg.NodeID
	}
	b := newBridge(n, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.availability, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to node events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.node.Events().OnAll(b.handleEvent)
	if b.cfg.StatusInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ticker := time.NewTicker(b.cfg.StatusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-b.ctx.Done():
					return
				case <-ticker.C:
					b.publishStatus()
				}
			}
		}()
	}
	b.logger.Info("MQTT bridge started", "base", b.topics.base)
}

// Stop publishes offline availability, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publish(b.topics.availability, []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs after every (re)connect.
func (b *Bridge) onConnect() {
	b.publish(b.topics.availability, []byte("online"), true)
	if b.cfg.DiscoveryPrefix != "" {
		st := b.node.Status()
		for _, msg := range buildDiscovery(b.topics, b.cfg.DiscoveryPrefix, st) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publishStatus()
	b.client.Subscribe(b.topics.cmd, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

// publishStatus publishes the retained status, OTA and network documents.
func (b *Bridge) publishStatus() {
	st := b.node.Status()
	b.publish(b.topics.status, mustJSON(st), true)
	b.publish(b.topics.ota, mustJSON(st.OTA), true)
	b.publish(b.topics.network, mustJSON(st.Network), true)
}

func (b *Bridge) handleEvent(ev node.Event) {
	for _, msg := range eventMessages(b.topics, ev) {
		b.publish(msg.Topic, msg.Payload, msg.Retained)
	}
}

// message is one MQTT publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// eventMessages maps a node event onto its publications: the event itself,
// plus a retained state document for state-bearing events.
func eventMessages(t topics, ev node.Event) []message {
	msgs := []message{{Topic: t.event(ev.Type), Payload: mustJSON(ev)}}
	switch ev.Type {
	case node.EventOTAState:
		msgs = append(msgs, message{Topic: t.ota, Payload: mustJSON(ev.Data), Retained: true})
	case node.EventNetworkStatus:
		msgs = append(msgs, message{Topic: t.network, Payload: mustJSON(ev.Data), Retained: true})
	}
	return msgs
}

// commandResult is published on <base>/cmd/result for every command.
type commandResult struct {
	Action string `json:"action,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

var errEmptyCommand = errors.New("empty command")

// parseCommand accepts a bare action name or {"action": "..."}.
func parseCommand(payload []byte) (string, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return "", errEmptyCommand
	}
	if strings.HasPrefix(s, "{") {
		var req struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return "", fmt.Errorf("invalid command JSON: %w", err)
		}
		s = strings.TrimSpace(req.Action)
		if s == "" {
			return "", errEmptyCommand
		}
	}
	action := strings.ToLower(s)
	if !node.ValidAction(action) {
		return "", fmt.Errorf("%w: %q", node.ErrUnknownAction, action)
	}
	return action, nil
}

func (b *Bridge) handleCommand(payload []byte) {
	action, err := parseCommand(payload)
	if err == nil {
		err = b.node.Trigger(action, mqttSource)
	}
	res := commandResult{Action: action, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
		b.logger.Warn("MQTT command rejected", "payload", string(payload), "err", err)
	} else {
		b.logger.Info("MQTT command queued", "action", action)
	}
	b.publish(b.topics.cmdResult, mustJSON(res), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
