// Package channels implements the registry of logical byte-streams
// multiplexed over one encrypted tunnel connection. It plays the role the
// teacher's internal/stream.Manager plays for mesh streams, but the model
// here is simpler: there is no per-channel open/ack handshake, a channel
// comes into existence the moment a local connection is accepted and is
// torn down the moment either side closes it.
package channels

import (
	"fmt"
	"sync"

	"github.com/postalsys/tunnelclient/internal/protocol"
	"github.com/postalsys/tunnelclient/internal/trigger"
)

const inboundQueueDepth = 64
const outboundQueueDepth = 256

// Payload pairs a channel id with the bytes destined for the wire. It is
// the unit the shared Recv channel hands to whatever is pumping data into
// the tunnel connection (the proxy / tunnel client).
type Payload struct {
	ChannelID uint16
	Data      []byte
}

// Channel is one registered logical byte-stream. Inbound carries data
// demultiplexed off the wire for this channel, destined for the local
// socket the channel represents. Stop fires when the channel is replaced
// or explicitly closed, telling whatever is reading Inbound to give up.
type Channel struct {
	ID      uint16
	Inbound chan []byte
	Stop    *trigger.Trigger
}

// Registry is the process-wide table of channels for one tunnel
// connection. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	channels map[uint16]*Channel
	outbound chan Payload
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		channels: make(map[uint16]*Channel),
		outbound: make(chan Payload, outboundQueueDepth),
	}
}

// RegisterServer creates (or replaces) the channel at id. If a channel was
// already registered at id, its Stop trigger fires before the slot is
// replaced, so whatever was reading its Inbound queue observes the stop
// and exits instead of silently losing the channel to a new owner.
//
// Registering protocol.ControlChannelID is rejected: channel 0 carries
// control commands, never proxied byte-stream data.
func (r *Registry) RegisterServer(id uint16) (*Channel, error) {
	if id == protocol.ControlChannelID {
		return nil, fmt.Errorf("channels: channel %d is reserved for control traffic", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.channels[id]; ok {
		old.Stop.Fire()
	}

	ch := &Channel{
		ID:      id,
		Inbound: make(chan []byte, inboundQueueDepth),
		Stop:    trigger.New(),
	}
	r.channels[id] = ch
	return ch, nil
}

// Dispatch delivers data demultiplexed off the wire to the channel it
// belongs to. It is a no-op if the channel is not (or no longer)
// registered, which happens naturally in the window between a local
// connection closing and the remote side learning about it.
func (r *Registry) Dispatch(id uint16, data []byte) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch.Inbound <- data:
	case <-ch.Stop.Done():
	}
}

// Send enqueues data from channel id to be written to the tunnel
// connection. It rejects the reserved control channel and any channel id
// that is not currently registered, mirroring the wire-level rule that
// only an open channel may carry payload traffic.
func (r *Registry) Send(id uint16, data []byte) error {
	if id == protocol.ControlChannelID {
		return fmt.Errorf("channels: cannot send payload data on control channel %d", id)
	}

	r.mu.Lock()
	_, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("channels: channel %d is not registered", id)
	}

	r.outbound <- Payload{ChannelID: id, Data: data}
	return nil
}

// Recv returns the shared channel carrying every registered channel's
// outbound payloads, in send order across channels combined. The tunnel
// client task is the sole reader.
func (r *Registry) Recv() <-chan Payload {
	return r.outbound
}

// CloseServer fires the stop trigger for id and removes it from the
// registry. Calling it on an id that is not registered is a no-op.
func (r *Registry) CloseServer(id uint16) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()

	if ok {
		ch.Stop.Fire()
	}
}

// StopAllServers fires every registered channel's stop trigger and empties
// the registry. Used when the connection itself is torn down.
func (r *Registry) StopAllServers() {
	r.mu.Lock()
	all := r.channels
	r.channels = make(map[uint16]*Channel)
	r.mu.Unlock()

	for _, ch := range all {
		ch.Stop.Fire()
	}
}

// Get returns the channel registered at id, if any.
func (r *Registry) Get(id uint16) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Count returns the number of currently registered channels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
