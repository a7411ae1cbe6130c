package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks JSON-RPC over a persistent WebSocket to the external media
// service. Requests carry an incrementing id; the reader goroutine routes
// each response to the pending call by id and hands server-initiated
// notifications (producer closed upstream, transport died) to the event
// handler.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse
	nextID    uint64

	retry   RetryPolicy
	onEvent func(method string, params json.RawMessage)
	done    chan struct{}
}

type rpcRequest struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Dial connects to the media service. The onEvent handler (may be nil)
// receives server-initiated notifications.
func Dial(url string, retry RetryPolicy, onEvent func(method string, params json.RawMessage)) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("media: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan rpcResponse),
		nextID:  1,
		retry:   retry,
		onEvent: onEvent,
		done:    make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Close terminates the connection. Pending calls fail with
// ErrServiceUnavailable when the read loop exits.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		c.failPending()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("[media] connection read failed: %v", err)
			return
		}

		var probe struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(message, &probe); err != nil {
			log.Printf("[media] malformed frame from media service: %v", err)
			continue
		}

		if probe.ID != 0 {
			var resp rpcResponse
			if err := json.Unmarshal(message, &resp); err != nil {
				log.Printf("[media] malformed response: %v", err)
				continue
			}
			c.pendingMu.Lock()
			if ch, ok := c.pending[resp.ID]; ok {
				ch <- resp
				delete(c.pending, resp.ID)
			}
			c.pendingMu.Unlock()
			continue
		}

		if probe.Method != "" && c.onEvent != nil {
			var notif struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(message, &notif); err != nil {
				continue
			}
			c.onEvent(notif.Method, notif.Params)
		}
	}
}

// failPending drains every in-flight call after the connection died so no
// caller blocks forever.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Code: "unavailable", Message: "connection lost"}}
		delete(c.pending, id)
	}
}

// call performs one JSON-RPC round trip. Cancellation abandons the wait
// immediately; a late response is dropped by the reader.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.pendingMu.Lock()
	id := c.nextID
	c.nextID++
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("media: marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("%w: write %s: %v", ErrServiceUnavailable, method, err)
	}

	select {
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrServiceUnavailable
	case resp := <-ch:
		if resp.Error != nil {
			return nil, mapRPCError(method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *Client) drop(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// callRetry wraps call in the client's bounded retry policy. Errors that a
// retry cannot fix (capability mismatches, unknown ids) surface on the
// first attempt.
func (c *Client) callRetry(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	var final error
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		res, callErr := c.call(ctx, method, params)
		if callErr != nil {
			final = callErr
			if !retryable(callErr) {
				return nil
			}
			return callErr
		}
		result, final = res, nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, final
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrIncompatibleCapabilities),
		errors.Is(err, ErrTransportNotFound),
		errors.Is(err, ErrConsumerNotFound):
		return false
	}
	return true
}

// mapRPCError translates media-service error codes into the package
// taxonomy.
func mapRPCError(method string, e *rpcError) error {
	switch e.Code {
	case "cannot_consume", "incompatible_capabilities":
		return fmt.Errorf("%w: %s: %s", ErrIncompatibleCapabilities, method, e.Message)
	case "transport_not_found":
		return fmt.Errorf("%w: %s", ErrTransportNotFound, e.Message)
	case "consumer_not_found":
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, e.Message)
	case "unavailable":
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, e.Message)
	default:
		return fmt.Errorf("media: %s failed: %s (%s)", method, e.Message, e.Code)
	}
}

// ---------------------------------------------------------------------------
// Service implementation
// ---------------------------------------------------------------------------

// RouterCapabilities fetches the room router's RTP capabilities. Completing
// this handshake is what arms produce on the manager.
func (c *Client) RouterCapabilities(ctx context.Context, roomID string) (json.RawMessage, error) {
	return c.callRetry(ctx, "getRouterCapabilities", map[string]string{"room_id": roomID})
}

// CreateTransport asks the media service for a WebRTC transport.
func (c *Client) CreateTransport(ctx context.Context, roomID, direction string) (*TransportInfo, error) {
	result, err := c.callRetry(ctx, "createWebRtcTransport", map[string]string{
		"room_id":   roomID,
		"direction": direction,
	})
	if err != nil {
		return nil, err
	}
	var info TransportInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("media: decode transport: %w", err)
	}
	return &info, nil
}

// ConnectTransport completes the DTLS handshake for a transport.
func (c *Client) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	_, err := c.callRetry(ctx, "connectTransport", map[string]interface{}{
		"transport_id":    transportID,
		"dtls_parameters": dtlsParameters,
	})
	return err
}

// Produce creates a producer on the given transport and returns its id.
func (c *Client) Produce(ctx context.Context, transportID, kind string, rtpParameters json.RawMessage) (string, error) {
	result, err := c.callRetry(ctx, "produce", map[string]interface{}{
		"transport_id":   transportID,
		"kind":           kind,
		"rtp_parameters": rtpParameters,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("media: decode producer: %w", err)
	}
	return out.ID, nil
}

// Consume creates a paused consumer for a remote producer.
func (c *Client) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	result, err := c.callRetry(ctx, "consume", map[string]interface{}{
		"transport_id":     transportID,
		"producer_id":      producerID,
		"rtp_capabilities": rtpCapabilities,
	})
	if err != nil {
		return nil, err
	}
	var info ConsumerInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("media: decode consumer: %w", err)
	}
	return &info, nil
}

// ResumeConsumer resumes a paused consumer.
func (c *Client) ResumeConsumer(ctx context.Context, consumerID string) error {
	_, err := c.callRetry(ctx, "resumeConsumer", map[string]string{"consumer_id": consumerID})
	return err
}

// CloseProducer closes a producer. Close calls use a short independent
// deadline so teardown never inherits a caller's already-expired context.
func (c *Client) CloseProducer(ctx context.Context, producerID string) error {
	return c.closeHandle(ctx, "closeProducer", map[string]string{"producer_id": producerID})
}

// CloseConsumer closes a consumer.
func (c *Client) CloseConsumer(ctx context.Context, consumerID string) error {
	return c.closeHandle(ctx, "closeConsumer", map[string]string{"consumer_id": consumerID})
}

// CloseTransport closes a transport and everything the media service hung
// off it.
func (c *Client) CloseTransport(ctx context.Context, transportID string) error {
	return c.closeHandle(ctx, "closeTransport", map[string]string{"transport_id": transportID})
}

func (c *Client) closeHandle(ctx context.Context, method string, params map[string]string) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := c.call(closeCtx, method, params)
	return err
}
