// Package mqttlink implements pairing.Transport through a BLE gateway
// attached to the MQTT broker.
//
// The gateway owns the radio. devlink asks it to present a device chooser
// on the scan topic, then relays control-characteristic writes and reads
// over the write and read topics (see mqtt.Topics).
package mqttlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/devlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/devlink-core/internal/pairing"
)

// readBuffer is how many unread characteristic values a link holds before
// further values are dropped.
const readBuffer = 4

// ErrClosed is returned by operations on a closed Transport or Link.
var ErrClosed = errors.New("mqttlink: closed")

// Broker is the subset of *mqtt.Client the transport needs.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// scanRequest asks the gateway to choose a device advertising the
// control service.
type scanRequest struct {
	RequestID      string `json:"requestId"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

// foundMessage answers a scanRequest.
type foundMessage struct {
	RequestID string `json:"requestId"`
	Address   string `json:"address"`
	Name      string `json:"name"`
	Error     string `json:"error,omitempty"`
}

// valueMessage carries a characteristic value in either direction.
type valueMessage struct {
	Address string `json:"address"`
	Value   string `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Transport relays pairing traffic through one gateway.
//
// All public methods are thread-safe.
type Transport struct {
	broker  Broker
	gateway string
	topics  mqtt.Topics
	qos     byte
	logger  Logger

	mu     sync.Mutex
	scans  map[string]chan foundMessage
	links  map[string]*Link
	closed bool
}

// New subscribes to the gateway's response topics and returns a ready
// Transport.
func New(broker Broker, gateway string, qos byte) (*Transport, error) {
	t := &Transport{
		broker:  broker,
		gateway: gateway,
		qos:     qos,
		logger:  noopLogger{},
		scans:   make(map[string]chan foundMessage),
		links:   make(map[string]*Link),
	}
	if err := broker.Subscribe(t.topics.GatewayFound(gateway), qos, t.handleFound); err != nil {
		return nil, fmt.Errorf("subscribing to gateway scan results: %w", err)
	}
	if err := broker.Subscribe(t.topics.GatewayRead(gateway), qos, t.handleRead); err != nil {
		_ = broker.Unsubscribe(t.topics.GatewayFound(gateway)) //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("subscribing to gateway reads: %w", err)
	}
	return t, nil
}

// SetLogger sets the logger for the transport.
func (t *Transport) SetLogger(logger Logger) {
	t.logger = logger
}

// Discover asks the gateway for a device and waits for its answer.
func (t *Transport) Discover(ctx context.Context) (pairing.Link, error) {
	req := scanRequest{
		RequestID:      uuid.NewString(),
		Service:        fmt.Sprintf("%04x", pairing.ControlServiceUUID),
		Characteristic: fmt.Sprintf("%04x", pairing.ControlCharacteristicUUID),
	}
	ch := make(chan foundMessage, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.scans[req.RequestID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.scans, req.RequestID)
		t.mu.Unlock()
	}()

	if err := t.publish(t.topics.GatewayScan(t.gateway), req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case found := <-ch:
		if found.Error != "" {
			return nil, fmt.Errorf("gateway: %s", found.Error)
		}
		if found.Address == "" {
			return nil, errors.New("gateway: scan result without address")
		}
		link := &Link{
			transport: t,
			address:   found.Address,
			name:      found.Name,
			reads:     make(chan valueMessage, readBuffer),
		}
		t.mu.Lock()
		t.links[found.Address] = link
		t.mu.Unlock()
		t.logger.Debug("gateway connected device", "gateway", t.gateway, "address", found.Address, "name", found.Name)
		return link, nil
	}
}

// Close unsubscribes from the gateway topics. Open links stop receiving.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.links = make(map[string]*Link)
	t.mu.Unlock()

	return errors.Join(
		t.broker.Unsubscribe(t.topics.GatewayFound(t.gateway)),
		t.broker.Unsubscribe(t.topics.GatewayRead(t.gateway)),
	)
}

func (t *Transport) handleFound(_ string, payload []byte) error {
	var msg foundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding scan result: %w", err)
	}
	t.mu.Lock()
	ch, ok := t.scans[msg.RequestID]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("scan result for unknown request", "request_id", msg.RequestID)
		return nil
	}
	select {
	case ch <- msg:
	default:
	}
	return nil
}

func (t *Transport) handleRead(_ string, payload []byte) error {
	var msg valueMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding characteristic value: %w", err)
	}
	t.mu.Lock()
	link, ok := t.links[msg.Address]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("value for unknown link", "address", msg.Address)
		return nil
	}
	select {
	case link.reads <- msg:
	default:
		t.logger.Warn("dropping characteristic value, reader too slow", "address", msg.Address)
	}
	return nil
}

func (t *Transport) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding gateway request: %w", err)
	}
	return t.broker.Publish(topic, payload, t.qos, false)
}

func (t *Transport) forget(link *Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[link.address] == link {
		delete(t.links, link.address)
	}
}

// Link is one gateway-held BLE connection.
type Link struct {
	transport *Transport
	address   string
	name      string
	reads     chan valueMessage
	closeOnce sync.Once
}

// Name returns the advertised device name.
func (l *Link) Name() string { return l.name }

// Address returns the gateway's address for the device.
func (l *Link) Address() string { return l.address }

// Write sends payload to the control characteristic.
func (l *Link) Write(_ context.Context, payload []byte) error {
	return l.transport.publish(l.transport.topics.GatewayWrite(l.transport.gateway),
		valueMessage{Address: l.address, Value: string(payload)})
}

// Read waits for the next characteristic value.
func (l *Link) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-l.reads:
		if msg.Error != "" {
			return nil, fmt.Errorf("gateway: %s", msg.Error)
		}
		return []byte(msg.Value), nil
	}
}

// Close asks the gateway to drop the connection.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.transport.forget(l)
		err = l.transport.publish(l.transport.topics.GatewayDisconnect(l.transport.gateway),
			valueMessage{Address: l.address})
	})
	return err
}
