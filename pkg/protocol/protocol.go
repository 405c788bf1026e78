// Package protocol implements the binary wire protocol spoken between calcmir
// clients, proxies and servers.
//
// Every message is a fixed 10-byte header followed by a payload. All integers
// are big-endian:
//
//	offset 0  u32  unix timestamp (seconds) taken when the message was built
//	offset 4  u16  total length, header included
//	offset 6  u16  bit 15 is_request, bit 14 show_steps, bit 13 cache_result,
//	               bits 12..10 reserved (zero), bits 9..0 status code
//	offset 8  u16  cache control (0 = no caching, 65535 = indefinite)
//	offset 10 ...  payload
//
// Requests carry an encoded expression tree. Responses carry either a result
// (status 200) or an error message (status 400 or 500).
//
// Example usage:
//
//	req, err := protocol.NewRequest(expression.Add(expression.Num(1), expression.Num(2)), protocol.Options{
//		ShowSteps:    true,
//		CacheResult:  true,
//		CacheControl: protocol.MaxCacheControl,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = protocol.WriteMessage(conn, req)
//
// Headers are immutable once built. The only way to obtain one is through
// [NewHeader], the typed constructors or [Decode], all of which validate it.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/calcmir/calcmir/pkg/expression"
)

// Header layout constants.
const (
	HeaderSize      = 10
	MaxTotalLength  = math.MaxUint16
	MaxPayloadSize  = MaxTotalLength - HeaderSize
	MaxCacheControl = math.MaxUint16

	flagRequest     = 1 << 15
	flagShowSteps   = 1 << 14
	flagCacheResult = 1 << 13
	reservedMask    = 0b111 << 10
	statusMask      = 1<<10 - 1
)

// Status is the 10-bit response status code.
type Status uint16

// Status codes. Requests always carry StatusNone.
const (
	StatusNone        Status = 0
	StatusOK          Status = 200
	StatusClientError Status = 400
	StatusServerError Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusOK:
		return "OK"
	case StatusClientError:
		return "CLIENT_ERROR"
	case StatusServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", uint16(s))
	}
}

// validFor reports whether s may appear in a request (isRequest) or response.
func (s Status) validFor(isRequest bool) bool {
	if isRequest {
		return s == StatusNone
	}
	return s == StatusOK || s == StatusClientError || s == StatusServerError
}

// Fields is the decoded content of a [Header]. It is a plain value used to
// build headers and to inspect them.
type Fields struct {
	Timestamp    uint32
	IsRequest    bool
	ShowSteps    bool
	CacheResult  bool
	Status       Status
	CacheControl uint16
	Data         []byte
}

// Header is a validated, immutable protocol message.
type Header struct {
	timestamp    uint32
	isRequest    bool
	showSteps    bool
	cacheResult  bool
	status       Status
	cacheControl uint16
	data         []byte
}

// Options carries the header settings shared by every typed constructor.
type Options struct {
	ShowSteps    bool
	CacheResult  bool
	CacheControl uint16

	// Time stamps the header. The zero value means time.Now().
	Time time.Time
}

func (o Options) timestamp() uint32 {
	t := o.Time
	if t.IsZero() {
		t = time.Now()
	}
	return uint32(t.Unix())
}

// NewHeader validates f and returns the corresponding header. The payload is
// copied.
func NewHeader(f Fields) (*Header, error) {
	if !f.Status.validFor(f.IsRequest) {
		if f.IsRequest {
			return nil, protocolErrorf("request carries status %d", uint16(f.Status))
		}
		return nil, protocolErrorf("unknown response status %d", uint16(f.Status))
	}
	if len(f.Data) > MaxPayloadSize {
		return nil, protocolErrorf("payload of %d bytes exceeds %d", len(f.Data), MaxPayloadSize)
	}
	return &Header{
		timestamp:    f.Timestamp,
		isRequest:    f.IsRequest,
		showSteps:    f.ShowSteps,
		cacheResult:  f.CacheResult,
		status:       f.Status,
		cacheControl: f.CacheControl,
		data:         cloneBytes(f.Data),
	}, nil
}

func cloneBytes(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

// NewRequest encodes expr into a request header.
func NewRequest(expr expression.Expr, opts Options) (*Header, error) {
	data, err := EncodeExpression(expr)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxPayloadSize {
		return nil, clientErrorf("encoded expression of %d bytes exceeds %d", len(data), MaxPayloadSize)
	}
	return NewHeader(Fields{
		Timestamp:    opts.timestamp(),
		IsRequest:    true,
		ShowSteps:    opts.ShowSteps,
		CacheResult:  opts.CacheResult,
		Status:       StatusNone,
		CacheControl: opts.CacheControl,
		Data:         data,
	})
}

// NewResult builds a 200 response carrying value and the rendered steps.
func NewResult(value float64, steps []string, opts Options) (*Header, error) {
	data, err := encodeResult(value, steps)
	if err != nil {
		return nil, err
	}
	return NewHeader(Fields{
		Timestamp:    opts.timestamp(),
		ShowSteps:    opts.ShowSteps,
		CacheResult:  opts.CacheResult,
		Status:       StatusOK,
		CacheControl: opts.CacheControl,
		Data:         data,
	})
}

// NewError builds an error response. Messages that do not fit in a single
// message are truncated.
func NewError(status Status, msg string, opts Options) (*Header, error) {
	if status != StatusClientError && status != StatusServerError {
		return nil, protocolErrorf("status %d is not an error status", uint16(status))
	}
	return NewHeader(Fields{
		Timestamp:    opts.timestamp(),
		ShowSteps:    opts.ShowSteps,
		CacheResult:  opts.CacheResult,
		Status:       status,
		CacheControl: opts.CacheControl,
		Data:         encodeError(msg),
	})
}

// Decode parses a complete message. The buffer must hold exactly one message.
func Decode(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, protocolErrorf("message of %d bytes is shorter than the %d-byte header", len(buf), HeaderSize)
	}
	total := binary.BigEndian.Uint16(buf[4:6])
	if int(total) != len(buf) {
		return nil, protocolErrorf("total length %d does not match message length %d", total, len(buf))
	}
	bits := binary.BigEndian.Uint16(buf[6:8])
	if bits&reservedMask != 0 {
		return nil, protocolErrorf("reserved bits set: %#04x", bits&reservedMask)
	}
	return NewHeader(Fields{
		Timestamp:    binary.BigEndian.Uint32(buf[0:4]),
		IsRequest:    bits&flagRequest != 0,
		ShowSteps:    bits&flagShowSteps != 0,
		CacheResult:  bits&flagCacheResult != 0,
		Status:       Status(bits & statusMask),
		CacheControl: binary.BigEndian.Uint16(buf[8:10]),
		Data:         buf[HeaderSize:],
	})
}

// MarshalBinary returns the wire form of h.
func (h *Header) MarshalBinary() ([]byte, error) {
	total := h.TotalLength()
	if total > MaxTotalLength {
		return nil, protocolErrorf("total length %d exceeds %d", total, MaxTotalLength)
	}
	buf := make([]byte, HeaderSize, total)
	binary.BigEndian.PutUint32(buf[0:4], h.timestamp)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	bits := uint16(h.status) & statusMask
	if h.isRequest {
		bits |= flagRequest
	}
	if h.showSteps {
		bits |= flagShowSteps
	}
	if h.cacheResult {
		bits |= flagCacheResult
	}
	binary.BigEndian.PutUint16(buf[6:8], bits)
	binary.BigEndian.PutUint16(buf[8:10], h.cacheControl)
	return append(buf, h.data...), nil
}

// Timestamp returns the send time in Unix seconds.
func (h *Header) Timestamp() uint32 { return h.timestamp }

// IsRequest reports whether the message is a request.
func (h *Header) IsRequest() bool { return h.isRequest }

// ShowSteps reports whether the evaluation steps are requested or included.
func (h *Header) ShowSteps() bool { return h.showSteps }

// CacheResult reports whether the sender allows the response to be cached.
func (h *Header) CacheResult() bool { return h.cacheResult }

// Status returns the status code; requests carry [StatusOK].
func (h *Header) Status() Status { return h.status }

// CacheControl returns the freshness horizon in seconds. [MaxCacheControl]
// means indefinitely.
func (h *Header) CacheControl() uint16 { return h.cacheControl }

// TotalLength returns the encoded message size, header included.
func (h *Header) TotalLength() int { return HeaderSize + len(h.data) }

// Time returns the timestamp as a time.Time.
func (h *Header) Time() time.Time { return time.Unix(int64(h.timestamp), 0) }

// Data returns a copy of the payload.
//
// Example:
//
//	key := string(req.Data()) // identical expressions encode identically
func (h *Header) Data() []byte { return cloneBytes(h.data) }

// IndefiniteCache reports whether CacheControl is [MaxCacheControl].
func (h *Header) IndefiniteCache() bool { return h.cacheControl == MaxCacheControl }

// Fields returns a copy of the header content.
func (h *Header) Fields() Fields {
	return Fields{
		Timestamp:    h.timestamp,
		IsRequest:    h.isRequest,
		ShowSteps:    h.showSteps,
		CacheResult:  h.cacheResult,
		Status:       h.status,
		CacheControl: h.cacheControl,
		Data:         h.Data(),
	}
}

// Expression decodes the request payload.
func (h *Header) Expression() (expression.Expr, error) {
	if !h.isRequest {
		return nil, clientErrorf("expected a request, got a %s response", h.status)
	}
	return DecodeExpression(h.data)
}

// Result decodes the payload of a 200 response.
func (h *Header) Result() (value float64, steps []string, err error) {
	if h.isRequest || h.status != StatusOK {
		return 0, nil, clientErrorf("expected an OK response, got %s", h.describe())
	}
	return decodeResult(h.data)
}

// ErrorMessage decodes the payload of a 400 or 500 response.
func (h *Header) ErrorMessage() (string, error) {
	if h.isRequest || (h.status != StatusClientError && h.status != StatusServerError) {
		return "", clientErrorf("expected an error response, got %s", h.describe())
	}
	return decodeError(h.data)
}

func (h *Header) describe() string {
	if h.isRequest {
		return "a request"
	}
	return fmt.Sprintf("a %s response", h.status)
}

// MarshalLogObject implements [zapcore.ObjectMarshaler].
func (h *Header) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("request", h.isRequest)
	if !h.isRequest {
		enc.AddUint16("status", uint16(h.status))
	}
	enc.AddBool("showSteps", h.showSteps)
	enc.AddBool("cacheResult", h.cacheResult)
	enc.AddUint16("cacheControl", h.cacheControl)
	enc.AddUint32("timestamp", h.timestamp)
	enc.AddInt("length", h.TotalLength())
	return nil
}
