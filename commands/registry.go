package commands

import "sync"

// DecodeFunc decodes the payload of a response (without its identifier byte)
// into an event
type DecodeFunc func(data []byte) (Event, error)

// Decoder represents a registered response decoder
type Decoder struct {
	ID     ID
	Name   string
	Decode DecodeFunc
}

// Registry maps command identifiers to response decoders
type Registry struct {
	mu       sync.RWMutex
	decoders map[ID]*Decoder
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[ID]*Decoder),
	}
}

// Register adds or replaces the decoder for id
func (r *Registry) Register(id ID, decode DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoders[id] = &Decoder{
		ID:     id,
		Name:   id.String(),
		Decode: decode,
	}
}

// Lookup retrieves the decoder for id
func (r *Registry) Lookup(id ID) (*Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[id]
	return d, ok
}

// Count returns the number of registered decoders
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.decoders)
}

// Dispatch decodes payload with the decoder registered for its first byte
func (r *Registry) Dispatch(payload []byte) (Event, error) {
	if len(payload) == 0 {
		return nil, ErrShortPayload
	}

	id := ID(payload[0])
	d, ok := r.Lookup(id)
	if !ok {
		return UnknownCommand{ID: id, Payload: append([]byte(nil), payload[1:]...)}, &UnknownCommandError{ID: id}
	}
	return d.Decode(payload[1:])
}

// DefaultRegistry returns a registry with decoders for every response the
// controller sends
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(FWVersion, decodeFirmwareVersion)
	r.Register(EraseNewApp, decodeAck(AckEraseNewApp))
	r.Register(WriteNewAppData, decodeAck(AckWriteNewAppData))
	r.Register(GetValues, decodeValues)
	r.Register(SetMcconf, decodeWriteAck(AckMcconfWrite))
	r.Register(GetMcconf, decodeMotorConfig(false))
	r.Register(GetMcconfDefault, decodeMotorConfig(true))
	r.Register(SetAppconf, decodeWriteAck(AckAppconfWrite))
	r.Register(GetAppconf, decodeAppConfig(false))
	r.Register(GetAppconfDefault, decodeAppConfig(true))
	r.Register(Print, decodePrint)
	return r
}
