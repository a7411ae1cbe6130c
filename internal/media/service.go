// Package media manages the opaque transport/producer/consumer handles a
// room's participants hold against the external selective-forwarding media
// service. The core never encodes media or terminates transport cryptography;
// it only creates, references and destroys these handles, in a strict order:
// transports before producers/consumers on the way up, producers, then
// consumers, then transports on the way down.
package media

import (
	"context"
	"encoding/json"
)

// Track kinds accepted by the media service.
const (
	KindAudio  = "audio"
	KindVideo  = "video"
	KindScreen = "screen"
)

// Transport directions.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// TransportInfo is the media service's description of a created transport,
// passed through to the client verbatim. The core treats the parameter
// blobs as opaque.
type TransportInfo struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"ice_parameters,omitempty"`
	IceCandidates  json.RawMessage `json:"ice_candidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtls_parameters,omitempty"`
}

// ConsumerInfo is the media service's description of a created consumer.
// Consumers are created paused and must be resumed by the client.
type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producer_id"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtp_parameters,omitempty"`
}

// Service is the capability-typed boundary to the external media service.
// Every call crosses the network and may fail independently of this process;
// implementations must honor context cancellation so a terminate request is
// never blocked behind a hung call.
type Service interface {
	RouterCapabilities(ctx context.Context, roomID string) (json.RawMessage, error)
	CreateTransport(ctx context.Context, roomID, direction string) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, transportID, kind string, rtpParameters json.RawMessage) (string, error)
	Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	CloseProducer(ctx context.Context, producerID string) error
	CloseConsumer(ctx context.Context, consumerID string) error
	CloseTransport(ctx context.Context, transportID string) error
}
