package txn

import "fmt"

// CoordinatorRequest is the body of every coordinator call.
// Storage is set only by Create; ParticipantKey only by the participant calls.
type CoordinatorRequest struct {
	Metadata       Metadata
	Storage        *Storage
	ParticipantKey string
}

// CoordinatorResponse carries the coordinator's copy of the record, when the call returns one.
type CoordinatorResponse struct {
	Storage *Storage
}

// PrepareRequest asks a participant to prepare its view of a transaction.
type PrepareRequest struct {
	Storage *ParticipantStorage
}

// PrepareResponse returns the participant's stored view after prepare.
type PrepareResponse struct {
	Storage *ParticipantStorage
}

// NotifyRequest tells a participant the final outcome of a transaction.
// Storage is set only when rejecting a force-commit transaction, which the participant never tracked.
type NotifyRequest struct {
	Metadata       Metadata
	ParticipantKey string
	Storage        *ParticipantStorage
}

// Ack is an empty response.
type Ack struct{}

func (r *CoordinatorRequest) MarshalWire() ([]byte, error) {
	b := appendMessage(nil, 1, appendMetadata(nil, &r.Metadata))
	if r.Storage != nil {
		b = appendMessage(b, 2, appendStorage(nil, r.Storage))
	}
	return appendString(b, 3, r.ParticipantKey), nil
}

func (r *CoordinatorRequest) UnmarshalWire(b []byte) error {
	return unpack(readFields(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeMetadata(f.bytes, &r.Metadata)
		case 2:
			r.Storage = &Storage{Participants: make(map[string]*Participant)}
			return decodeStorage(f.bytes, r.Storage)
		case 3:
			r.ParticipantKey = string(f.bytes)
		}
		return nil
	}))
}

func (r *CoordinatorResponse) MarshalWire() ([]byte, error) {
	if r.Storage == nil {
		return nil, nil
	}
	return appendMessage(nil, 1, appendStorage(nil, r.Storage)), nil
}

func (r *CoordinatorResponse) UnmarshalWire(b []byte) error {
	return unpack(readFields(b, func(f field) error {
		if f.num == 1 {
			r.Storage = &Storage{Participants: make(map[string]*Participant)}
			return decodeStorage(f.bytes, r.Storage)
		}
		return nil
	}))
}

func (r *PrepareRequest) MarshalWire() ([]byte, error) {
	if r.Storage == nil {
		return nil, fmt.Errorf("%w: prepare request without storage", ErrPack)
	}
	return appendMessage(nil, 1, appendParticipantStorage(nil, r.Storage)), nil
}

func (r *PrepareRequest) UnmarshalWire(b []byte) error {
	return unpack(readFields(b, func(f field) error {
		if f.num == 1 {
			r.Storage = &ParticipantStorage{}
			return decodeParticipantStorage(f.bytes, r.Storage)
		}
		return nil
	}))
}

func (r *PrepareResponse) MarshalWire() ([]byte, error) {
	if r.Storage == nil {
		return nil, nil
	}
	return appendMessage(nil, 1, appendParticipantStorage(nil, r.Storage)), nil
}

func (r *PrepareResponse) UnmarshalWire(b []byte) error {
	return unpack(readFields(b, func(f field) error {
		if f.num == 1 {
			r.Storage = &ParticipantStorage{}
			return decodeParticipantStorage(f.bytes, r.Storage)
		}
		return nil
	}))
}

func (r *NotifyRequest) MarshalWire() ([]byte, error) {
	b := appendMessage(nil, 1, appendMetadata(nil, &r.Metadata))
	b = appendString(b, 2, r.ParticipantKey)
	if r.Storage != nil {
		b = appendMessage(b, 3, appendParticipantStorage(nil, r.Storage))
	}
	return b, nil
}

func (r *NotifyRequest) UnmarshalWire(b []byte) error {
	return unpack(readFields(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeMetadata(f.bytes, &r.Metadata)
		case 2:
			r.ParticipantKey = string(f.bytes)
		case 3:
			r.Storage = &ParticipantStorage{}
			return decodeParticipantStorage(f.bytes, r.Storage)
		}
		return nil
	}))
}

func (*Ack) MarshalWire() ([]byte, error) { return nil, nil }

func (*Ack) UnmarshalWire(b []byte) error {
	return unpack(readFields(b, func(field) error { return nil }))
}

func unpack(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnpack, err)
}
