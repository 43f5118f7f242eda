package wire

// Length-prefixed framing: five zero-padded ASCII digits giving the payload length in bytes,
// immediately followed by the payload itself. There is no delimiter between frames.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
)

const (
	// HeaderLen is the length of the decimal length prefix of every frame
	HeaderLen = 5
	// MaxPayloadLen is the largest payload that fits in a frame
	MaxPayloadLen = 99999
)

var (
	ErrPayloadTooLarge = errors.New("payload too large for frame")
	// ErrIncomplete is returned when the buffer holds less than one full frame. It's not a
	// failure: the caller should wait for more data.
	ErrIncomplete   = errors.New("incomplete frame")
	ErrBadHeader    = errors.New("malformed frame header")
	ErrUnknownEvent = errors.New("payload does not match any event schema")
)

// AppendFrame appends the framed payload to dst
func AppendFrame(dst []byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	dst = fmt.Appendf(dst, "%05d", len(payload))
	return append(dst, payload...), nil
}

// SplitFrame parses the first frame in buf, returning its payload and the total number of bytes
// it occupies. If buf does not yet contain the whole frame, it returns ErrIncomplete.
func SplitFrame(buf []byte) (payload []byte, n int, err error) {
	if len(buf) < HeaderLen {
		return nil, 0, ErrIncomplete
	}

	length := 0
	for _, c := range buf[:HeaderLen] {
		if c < '0' || c > '9' {
			return nil, 0, fmt.Errorf("%w: %q", ErrBadHeader, buf[:HeaderLen])
		}
		length = length*10 + int(c-'0')
	}

	if len(buf) < HeaderLen+length {
		return nil, 0, ErrIncomplete
	}
	return buf[HeaderLen : HeaderLen+length], HeaderLen + length, nil
}

// Encoder writes events as frames, one Write per frame
type Encoder struct {
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, buf: make([]byte, 0, 1024)}
}

// Encode serializes the event and writes it as a single frame, returning the number of bytes
// written
func (e *Encoder) Encode(ev Event) (int, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to JSON encode %s event: %w", ev.Kind(), err)
	}

	e.buf, err = AppendFrame(e.buf[:0], payload)
	if err != nil {
		return 0, err
	}
	return e.w.Write(e.buf)
}

// Decoder reads frames from a stream. Partial frames are buffered until the rest arrives.
type Decoder struct {
	r   io.Reader
	buf []byte
	// start of the unconsumed data in buf
	off int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, 0, 64*1024), off: 0}
}

// Next returns the payload of the next frame. The returned slice is only valid until the next call.
//
// At the end of the stream, Next returns io.EOF if it ended on a frame boundary and
// io.ErrUnexpectedEOF otherwise.
func (d *Decoder) Next() ([]byte, error) {
	for {
		payload, n, err := SplitFrame(d.buf[d.off:])
		if err == nil {
			d.off += n
			return payload, nil
		} else if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}

		// compact before reading more, so the buffer doesn't grow without bound
		if d.off > 0 {
			remaining := copy(d.buf, d.buf[d.off:])
			d.buf = d.buf[:remaining]
			d.off = 0
		}
		if len(d.buf) == cap(d.buf) {
			d.buf = append(d.buf, make([]byte, cap(d.buf))...)[:len(d.buf)]
		}

		read, err := d.r.Read(d.buf[len(d.buf):cap(d.buf)])
		d.buf = d.buf[:len(d.buf)+read]
		if err != nil && read == 0 {
			if errors.Is(err, io.EOF) && len(d.buf) != 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// fieldSets maps each kind to the JSON keys its records carry. The optional flow fields of
// packets are tracked separately.
var (
	fieldSets        = map[Kind][]string{}
	packetFlowFields []string
)

func init() {
	fieldSets[KindFlow] = jsonFields(reflect.TypeOf(Flow{}))
	fieldSets[KindDaemon] = jsonFields(reflect.TypeOf(Daemon{}))
	fieldSets[KindError] = jsonFields(reflect.TypeOf(Error{}))
	fieldSets[KindPacket] = jsonFields(reflect.TypeOf(Packet{}))
	packetFlowFields = jsonFields(reflect.TypeOf(PacketFlow{}))
}

// jsonFields returns the JSON keys of the struct's direct (non-embedded) fields
func jsonFields(t reflect.Type) []string {
	var names []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		names = append(names, name)
	}
	return names
}

// FieldNames returns the JSON keys that every record of the given kind carries. For packets, the
// optional flow fields are not included; see PacketFlowFieldNames.
func FieldNames(kind Kind) []string {
	return append([]string(nil), fieldSets[kind]...)
}

// PacketFlowFieldNames returns the JSON keys only present on flow-attributed packets
func PacketFlowFieldNames() []string {
	return append([]string(nil), packetFlowFields...)
}

// DecodeEvent parses a frame payload into the event record it holds. The payload must be a JSON
// object with exactly the fields of one of the four kinds.
func DecodeEvent(payload []byte) (Event, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownEvent, err)
	}

	var ev Event
	var required []string
	switch {
	case has(keys, "flow_event_id"):
		ev, required = &Flow{}, fieldSets[KindFlow]
	case has(keys, "daemon_event_id"):
		ev, required = &Daemon{}, fieldSets[KindDaemon]
	case has(keys, "error_event_id"):
		ev, required = &Error{}, fieldSets[KindError]
	case has(keys, "packet_event_id"):
		ev, required = &Packet{}, fieldSets[KindPacket]
		flowKeys := 0
		for _, k := range packetFlowFields {
			if has(keys, k) {
				flowKeys++
			}
		}
		if flowKeys != 0 && flowKeys != len(packetFlowFields) {
			return nil, fmt.Errorf("%w: packet has only some of the flow fields", ErrUnknownEvent)
		}
		required = append(required[:len(required):len(required)], packetFlowFields[:flowKeys]...)
	default:
		return nil, fmt.Errorf("%w: no event id field", ErrUnknownEvent)
	}

	if len(keys) != len(required) {
		return nil, fmt.Errorf("%w: %s event with %d fields, expected %d", ErrUnknownEvent, ev.Kind(),
			len(keys), len(required))
	}
	for _, k := range required {
		if !has(keys, k) {
			return nil, fmt.Errorf("%w: %s event missing field %q", ErrUnknownEvent, ev.Kind(), k)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownEvent, err)
	}
	return ev, nil
}

func has(keys map[string]json.RawMessage, key string) bool {
	_, ok := keys[key]
	return ok
}
