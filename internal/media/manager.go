package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Manager owns one participant's media handles inside one room: a send and
// a receive transport, the producers published on the send transport, and
// the consumers attached to the receive transport. All handle creation goes
// through the Manager so teardown can enumerate and close everything it
// ever handed out.
type Manager struct {
	svc           Service
	roomID        string
	participantID string

	mu            sync.Mutex
	capsReady     bool
	routerCaps    json.RawMessage
	sendTransport string
	recvTransport string
	producers     map[string]string // kind -> producer id
	consumers     map[string]string // remote producer id -> consumer id
	closed        bool
}

// RoomID returns the room this manager's handles belong to.
func (m *Manager) RoomID() string { return m.roomID }

// NewManager creates a handle manager. No network traffic happens until
// Handshake.
func NewManager(svc Service, roomID, participantID string) *Manager {
	return &Manager{
		svc:           svc,
		roomID:        roomID,
		participantID: participantID,
		producers:     make(map[string]string),
		consumers:     make(map[string]string),
	}
}

// Handshake fetches the room router's capabilities. Producing is refused
// until this has completed; consuming needs it too since the router
// capabilities serve as the consume capability set.
func (m *Manager) Handshake(ctx context.Context) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.capsReady {
		caps := m.routerCaps
		m.mu.Unlock()
		return caps, nil
	}
	m.mu.Unlock()

	caps, err := m.svc.RouterCapabilities(ctx, m.roomID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	m.capsReady = true
	m.routerCaps = caps
	return caps, nil
}

// CreateTransport creates the transport for the given direction and
// remembers its id. Creating the same direction twice returns the existing
// id rather than leaking a handle.
func (m *Manager) CreateTransport(ctx context.Context, direction string) (*TransportInfo, error) {
	if direction != DirectionSend && direction != DirectionRecv {
		return nil, fmt.Errorf("media: unknown direction %q", direction)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if existing := m.transportFor(direction); existing != "" {
		m.mu.Unlock()
		return &TransportInfo{ID: existing}, nil
	}
	m.mu.Unlock()

	info, err := m.svc.CreateTransport(ctx, m.roomID, direction)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		// Teardown raced us; do not keep a handle CloseAll will never see.
		go m.closeOrphanTransport(info.ID)
		return nil, ErrManagerClosed
	}
	if direction == DirectionSend {
		m.sendTransport = info.ID
	} else {
		m.recvTransport = info.ID
	}
	return info, nil
}

func (m *Manager) closeOrphanTransport(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.svc.CloseTransport(ctx, id); err != nil {
		log.Printf("[media] orphan transport %s close failed: %v", id, err)
	}
}

// ConnectTransport completes DTLS for a transport this manager owns.
func (m *Manager) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	owned := transportID == m.sendTransport || transportID == m.recvTransport
	m.mu.Unlock()
	if !owned {
		return ErrTransportNotFound
	}
	return m.svc.ConnectTransport(ctx, transportID, dtlsParameters)
}

// StartProducing publishes a track of the given kind on the send transport.
// Refused before the capability handshake and before the send transport
// exists. Re-producing an already-published kind closes the previous
// producer first so camera restarts do not accumulate handles.
func (m *Manager) StartProducing(ctx context.Context, kind string, rtpParameters json.RawMessage) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if !m.capsReady {
		m.mu.Unlock()
		return "", ErrDeviceNotReady
	}
	if m.sendTransport == "" {
		m.mu.Unlock()
		return "", ErrNoTransports
	}
	transport := m.sendTransport
	previous := m.producers[kind]
	m.mu.Unlock()

	if previous != "" {
		if err := m.svc.CloseProducer(ctx, previous); err != nil {
			log.Printf("[media] replacing %s producer %s, close failed: %v", kind, previous, err)
		}
		m.mu.Lock()
		delete(m.producers, kind)
		m.mu.Unlock()
	}

	producerID, err := m.svc.Produce(ctx, transport, kind, rtpParameters)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		go m.closeOrphanProducer(producerID)
		return "", ErrManagerClosed
	}
	m.producers[kind] = producerID
	return producerID, nil
}

func (m *Manager) closeOrphanProducer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.svc.CloseProducer(ctx, id); err != nil {
		log.Printf("[media] orphan producer %s close failed: %v", id, err)
	}
}

// StopProducing closes the producer for the given kind, if any. Used for
// camera and mute toggles while the room stays active.
func (m *Manager) StopProducing(ctx context.Context, kind string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	producerID, ok := m.producers[kind]
	if ok {
		delete(m.producers, kind)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.svc.CloseProducer(ctx, producerID)
}

// ConsumeRemote attaches a consumer for the peer's producer on the receive
// transport. An ErrIncompatibleCapabilities result is recoverable: the
// caller skips the track and the room stays active.
func (m *Manager) ConsumeRemote(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.recvTransport == "" {
		m.mu.Unlock()
		return nil, ErrNoTransports
	}
	transport := m.recvTransport
	m.mu.Unlock()

	info, err := m.svc.Consume(ctx, transport, producerID, rtpCapabilities)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		go m.closeOrphanConsumer(info.ID)
		return nil, ErrManagerClosed
	}
	m.consumers[producerID] = info.ID
	return info, nil
}

func (m *Manager) closeOrphanConsumer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.svc.CloseConsumer(ctx, id); err != nil {
		log.Printf("[media] orphan consumer %s close failed: %v", id, err)
	}
}

// ResumeConsumer resumes a consumer this manager created.
func (m *Manager) ResumeConsumer(ctx context.Context, consumerID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	owned := false
	for _, id := range m.consumers {
		if id == consumerID {
			owned = true
			break
		}
	}
	m.mu.Unlock()
	if !owned {
		return ErrConsumerNotFound
	}
	return m.svc.ResumeConsumer(ctx, consumerID)
}

// DropConsumerFor removes the consumer attached to a remote producer after
// the peer closed it upstream. The media service already closed the
// consumer on its side, so only local state changes.
func (m *Manager) DropConsumerFor(producerID string) {
	m.mu.Lock()
	delete(m.consumers, producerID)
	m.mu.Unlock()
}

// HasActiveProducer reports whether any track is currently published.
func (m *Manager) HasActiveProducer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.producers) > 0
}

// LiveHandles counts handles not yet released, for the post-teardown
// invariant check and metrics.
func (m *Manager) LiveHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.producers) + len(m.consumers)
	if m.sendTransport != "" {
		n++
	}
	if m.recvTransport != "" {
		n++
	}
	return n
}

// CloseAll releases every handle in order: producers, then consumers, then
// transports. Later calls are no-ops. Close failures are logged and
// teardown continues; the media service reaps anything that slipped
// through when the transport closes.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	producers := m.producers
	consumers := m.consumers
	transports := make([]string, 0, 2)
	if m.sendTransport != "" {
		transports = append(transports, m.sendTransport)
	}
	if m.recvTransport != "" {
		transports = append(transports, m.recvTransport)
	}
	m.producers = make(map[string]string)
	m.consumers = make(map[string]string)
	m.sendTransport = ""
	m.recvTransport = ""
	m.mu.Unlock()

	var firstErr error
	for kind, id := range producers {
		if err := m.svc.CloseProducer(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[media] room %s participant %s: close %s producer %s: %v",
				m.roomID, m.participantID, kind, id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, id := range consumers {
		if err := m.svc.CloseConsumer(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[media] room %s participant %s: close consumer %s: %v",
				m.roomID, m.participantID, id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, id := range transports {
		if err := m.svc.CloseTransport(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[media] room %s participant %s: close transport %s: %v",
				m.roomID, m.participantID, id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// transportFor must be called with mu held.
func (m *Manager) transportFor(direction string) string {
	if direction == DirectionSend {
		return m.sendTransport
	}
	return m.recvTransport
}

// Registry tracks the live Manager per (room, participant) on this server
// instance so the call coordinator can find and tear down local handles
// when a room ends.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

func registryKey(roomID, participantID string) string {
	return roomID + "/" + participantID
}

// Obtain returns the existing manager for the pair or creates one.
func (r *Registry) Obtain(svc Service, roomID, participantID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(roomID, participantID)
	if m, ok := r.managers[key]; ok {
		return m
	}
	m := NewManager(svc, roomID, participantID)
	r.managers[key] = m
	return m
}

// Lookup returns the manager for the pair if one exists on this instance.
func (r *Registry) Lookup(roomID, participantID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[registryKey(roomID, participantID)]
	return m, ok
}

// Release removes and returns the manager for the pair. The caller owns
// the CloseAll.
func (r *Registry) Release(roomID, participantID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(roomID, participantID)
	m, ok := r.managers[key]
	if ok {
		delete(r.managers, key)
	}
	return m, ok
}

// ReleaseRoom removes every manager registered under the room, for the
// force-close sweep.
func (r *Registry) ReleaseRoom(roomID string) []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := roomID + "/"
	var out []*Manager
	for key, m := range r.managers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, m)
			delete(r.managers, key)
		}
	}
	return out
}
