// SPDX-License-Identifier: MIT

// Package coap provides access to the CoAP client of the Sequans GM02SP.
//
// The modem provides three CoAP contexts. Creating a context connects it to
// a server, or binds it to a local port to listen, and messages are then
// exchanged over the connected context. The CoAP mirrors the state of each
// context and queues received message notifications until the caller
// collects them.
package coap

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/FoxyHunter7/walter-modem/info"
	"github.com/pkg/errors"
)

const (
	// minID and maxID bound the CoAP context ids provided by the modem.
	minID = 0
	maxID = 2

	// minTimeout and maxTimeout bound the acknowledgement timeout, in
	// seconds.
	minTimeout = 1
	maxTimeout = 120

	// maxPayload is the largest message payload handled in a single send or
	// receive.
	maxPayload = 1024

	// maxRings bounds the number of pending rings retained per context.
	maxRings = 16
)

// CoAP provides access to the CoAP contexts of the modem.
type CoAP struct {
	a  *at.AT
	mu sync.Mutex

	// mirrored context state, indexed by context id
	entries [maxID + 1]entry
}

type entry struct {
	connected bool
	cause     CloseCause
	rings     []Ring
}

// New creates a CoAP using the provided AT modem.
//
// New registers handlers for the CoAP indications, and so fails if those
// indications are already claimed.
func New(a *at.AT) (*CoAP, error) {
	c := CoAP{a: a}
	if err := a.AddIndication("+SQNCOAPRING: ", c.handleRing); err != nil {
		return nil, err
	}
	if err := a.AddIndication("+SQNCOAPCLOSED: ", c.handleClosed); err != nil {
		a.CancelIndication("+SQNCOAPRING: ")
		return nil, err
	}
	a.OnReset(c.reset)
	return &c, nil
}

// Type is the CoAP message type.
type Type int

const (
	// Confirmable messages are retransmitted until acknowledged.
	Confirmable Type = 0

	// NonConfirmable messages are fire and forget.
	NonConfirmable Type = 1

	// Ack acknowledges a confirmable message.
	Ack Type = 2

	// Reset rejects a received message.
	Reset Type = 3
)

// Method is the REST method of a CoAP request.
type Method int

const (
	GET    Method = 1
	POST   Method = 2
	PUT    Method = 3
	DELETE Method = 4
)

// CloseCause records why a context ceased to be connected.
type CloseCause int

const (
	// CauseNone indicates the context has not been closed.
	CauseNone CloseCause = iota

	// CauseLocal indicates the context was closed by Close.
	CauseLocal

	// CauseRemote indicates the context was closed by the server or the
	// network.
	CauseRemote
)

// Status describes the mirrored state of a CoAP context.
type Status struct {
	// Connected indicates the context has been created and not yet closed.
	Connected bool

	// Cause records why the context is no longer connected.
	Cause CloseCause
}

// Ring announces a message received on a context.
type Ring struct {
	// ID of the context the message was received on.
	ID int

	// MsgID identifies the message to Receive.
	MsgID int

	// Length of the message payload.
	Length int
}

// Message is a message read from a context.
type Message struct {
	// ID of the context the message was received on.
	ID int

	// MsgID identifies the message.
	MsgID int

	// Payload is the message content.
	Payload []byte
}

type createConfig struct {
	localPort int
	secure    int
	timeout   time.Duration
}

// CreateOption modifies the context written by CreateContext.
type CreateOption func(*createConfig)

// WithLocalPort sets the local port of the context. A context with a local
// port and no server listens for incoming messages.
func WithLocalPort(port int) CreateOption {
	return func(c *createConfig) {
		c.localPort = port
	}
}

// WithDTLS secures the context with DTLS using the given TLS security
// profile.
func WithDTLS(tlsProfileID int) CreateOption {
	return func(c *createConfig) {
		c.secure = tlsProfileID
	}
}

// WithTimeout sets the period the modem awaits an acknowledgement before
// retransmitting. The default is 60 seconds.
func WithTimeout(d time.Duration) CreateOption {
	return func(c *createConfig) {
		c.timeout = d
	}
}

// CreateContext creates a CoAP context connected to the given server, or,
// with an empty server and a local port, a context listening for incoming
// messages.
//
// The command only completes once the connection is established, so can
// take up to the acknowledgement timeout to return.
func (c *CoAP) CreateContext(ctx context.Context, coapID int, server string, port int, options ...CreateOption) error {
	if coapID < minID || coapID > maxID {
		return ErrNoSuchProfile
	}
	cfg := createConfig{timeout: 60 * time.Second}
	for _, option := range options {
		option(&cfg)
	}
	secs := int(cfg.timeout / time.Second)
	if secs < minTimeout || secs > maxTimeout {
		return ErrTimeoutRange
	}
	dtls := 0
	if cfg.secure > 0 {
		dtls = 1
	}
	cmd := fmt.Sprintf("+SQNCOAPCREATE=%d,%s,%s,%s,%d,%d",
		coapID, quoteField(server), numField(port), numField(cfg.localPort),
		dtls, secs)
	if cfg.secure > 0 {
		cmd += fmt.Sprintf(",,%d", cfg.secure)
	}
	_, err := c.a.Command(ctx, cmd,
		at.WithFinalResponse("+SQNCOAPCONNECTED"),
		at.WithFailureResponse("+SQNCOAP: ERROR"))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[coapID] = entry{connected: true}
	c.mu.Unlock()
	return nil
}

// Send transmits a CoAP message on a connected context.
//
// The payload is only written to the modem once it has issued its prompt.
func (c *CoAP) Send(ctx context.Context, coapID int, msgType Type, method Method, data []byte) error {
	if err := c.connected(coapID); err != nil {
		return err
	}
	if len(data) > maxPayload {
		return ErrInvalidLength
	}
	if data == nil {
		// a request without a payload must still answer the prompt
		data = []byte{}
	}
	cmd := fmt.Sprintf("+SQNCOAPSEND=%d,%d,%d,%d", coapID, msgType, method, len(data))
	_, err := c.a.DataCommand(ctx, cmd, data)
	return err
}

type receiveConfig struct {
	maxBytes int
}

// ReceiveOption modifies the read performed by Receive.
type ReceiveOption func(*receiveConfig)

// WithMaxBytes caps the bytes requested from the modem in a single read.
// The default is 1024.
func WithMaxBytes(n int) ReceiveOption {
	return func(c *receiveConfig) {
		c.maxBytes = n
	}
}

// Receive reads a received message from a connected context.
//
// The message is identified by the msgID carried in the ring announcing it,
// and length is the announced size of its payload.
func (c *CoAP) Receive(ctx context.Context, coapID, msgID, length int, options ...ReceiveOption) (*Message, error) {
	cfg := receiveConfig{maxBytes: maxPayload}
	for _, option := range options {
		option(&cfg)
	}
	if err := c.connected(coapID); err != nil {
		return nil, err
	}
	if length < 1 || cfg.maxBytes < 1 || cfg.maxBytes > maxPayload {
		return nil, ErrInvalidLength
	}
	if length > cfg.maxBytes {
		length = cfg.maxBytes
	}
	cmd := fmt.Sprintf("+SQNCOAPRCV=%d,%d,%d", coapID, msgID, cfg.maxBytes)
	rsp, err := c.a.Command(ctx, cmd, at.WithRawChunk("+SQNCOAPRCV: ", length))
	if err != nil {
		return nil, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+SQNCOAPRCV") {
			continue
		}
		return parseMessage(info.TrimPrefix(l, "+SQNCOAPRCV"), rsp.Chunk)
	}
	return nil, ErrMalformedResponse
}

// parseMessage unpacks a "<id>,<msgID>,<length>" receive header and the data
// chunk that followed it.
func parseMessage(s string, chunk []byte) (*Message, error) {
	f := info.Fields(s)
	if len(f) < 3 {
		return nil, ErrMalformedResponse
	}
	id, err := info.Int(f[0])
	if err != nil {
		return nil, ErrMalformedResponse
	}
	msgID, err := info.Int(f[1])
	if err != nil {
		return nil, ErrMalformedResponse
	}
	length, err := info.Int(f[2])
	if err != nil || length != len(chunk) {
		return nil, ErrMalformedResponse
	}
	return &Message{ID: id, MsgID: msgID, Payload: chunk}, nil
}

// Close closes a CoAP context and frees it for reuse.
//
// Pending rings are discarded.
func (c *CoAP) Close(ctx context.Context, coapID int) error {
	if err := c.connected(coapID); err != nil {
		return err
	}
	if _, err := c.a.Command(ctx, fmt.Sprintf("+SQNCOAPCLOSE=%d", coapID)); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[coapID] = entry{cause: CauseLocal}
	c.mu.Unlock()
	return nil
}

// Status returns the mirrored state of a CoAP context.
func (c *CoAP) Status(coapID int) Status {
	if coapID < minID || coapID > maxID {
		return Status{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.entries[coapID]
	return Status{Connected: e.connected, Cause: e.cause}
}

// NextRing returns the oldest pending ring of a context, if any.
func (c *CoAP) NextRing(coapID int) (Ring, bool) {
	if coapID < minID || coapID > maxID {
		return Ring{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.entries[coapID]
	if len(e.rings) == 0 {
		return Ring{}, false
	}
	r := e.rings[0]
	e.rings = e.rings[1:]
	return r, true
}

// Pending returns the number of rings queued on a context.
func (c *CoAP) Pending(coapID int) int {
	if coapID < minID || coapID > maxID {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[coapID].rings)
}

// connected confirms the context exists and is connected.
func (c *CoAP) connected(coapID int) error {
	if coapID < minID || coapID > maxID {
		return ErrNoSuchProfile
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.entries[coapID].connected {
		return ErrNotConnected
	}
	return nil
}

// handleRing processes message received indications of the form
// "+SQNCOAPRING: <id>,<msgID>,<length>".
func (c *CoAP) handleRing(lines []string) {
	f := info.Fields(info.TrimPrefix(lines[0], "+SQNCOAPRING"))
	if len(f) < 3 {
		return
	}
	id, err := info.Int(f[0])
	if err != nil || id < minID || id > maxID {
		return
	}
	r := Ring{ID: id}
	if r.MsgID, err = info.Int(f[1]); err != nil {
		return
	}
	if r.Length, err = info.Int(f[2]); err != nil {
		return
	}
	c.mu.Lock()
	e := &c.entries[id]
	if len(e.rings) < maxRings {
		e.rings = append(e.rings, r)
	}
	c.mu.Unlock()
}

// handleClosed processes "+SQNCOAPCLOSED: <id>" indications, issued when
// the context is closed by the server or the network.
func (c *CoAP) handleClosed(lines []string) {
	id, err := info.Int(info.TrimPrefix(lines[0], "+SQNCOAPCLOSED"))
	if err != nil || id < minID || id > maxID {
		return
	}
	c.mu.Lock()
	e := &c.entries[id]
	if e.connected {
		e.connected = false
		e.cause = CauseRemote
	}
	c.mu.Unlock()
}

func (c *CoAP) reset() {
	c.mu.Lock()
	for i := range c.entries {
		c.entries[i] = entry{}
	}
	c.mu.Unlock()
}

// quoteField renders an optional string field, empty when unset.
func quoteField(s string) string {
	if s == "" {
		return ""
	}
	return strconv.Quote(s)
}

// numField renders an optional numeric field, empty when unset.
func numField(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

var (
	// ErrNoSuchProfile indicates the context id is outside the range
	// supported by the modem.
	ErrNoSuchProfile = errors.New("no such profile")

	// ErrTimeoutRange indicates the acknowledgement timeout is outside the
	// range supported by the modem.
	ErrTimeoutRange = errors.New("timeout out of range")

	// ErrNotConnected indicates the context has not been connected.
	ErrNotConnected = errors.New("context not connected")

	// ErrInvalidLength indicates the data length is outside the range
	// supported by the modem.
	ErrInvalidLength = errors.New("invalid length")

	// ErrMalformedResponse indicates the modem returned a malformed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")
)
