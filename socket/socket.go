// SPDX-License-Identifier: MIT

// Package socket provides access to the TCP and UDP socket contexts of the
// Sequans GM02SP.
//
// The modem provides six socket contexts. The Socket mirrors the state of
// each context, so misuse, such as sending on a context that was never
// dialled, is caught without a round trip to the modem, and data pending
// notifications from the modem are queued until the caller collects them.
package socket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/FoxyHunter7/walter-modem/info"
	"github.com/pkg/errors"
)

const (
	// minID and maxID bound the socket context ids provided by the modem.
	minID = 1
	maxID = 6

	// maxPayload is the largest payload accepted by a single send.
	maxPayload = 16777216

	// maxRecv is the largest span a single receive can request.
	maxRecv = 1500

	// maxRings bounds the number of pending rings retained per context.
	maxRings = 16
)

// Socket provides access to the socket contexts of the modem.
type Socket struct {
	a  *at.AT
	mu sync.Mutex

	// mirrored context state, indexed by context id
	entries [maxID + 1]entry
}

type entry struct {
	reserved   bool
	configured bool
	connected  bool
	cause      CloseCause
	anyRemote  AcceptAnyRemote
	rings      []Ring
}

// New creates a Socket using the provided AT modem.
//
// New registers handlers for the socket indications, and so fails if those
// indications are already claimed.
func New(a *at.AT) (*Socket, error) {
	s := Socket{a: a}
	if err := a.AddIndication("+SQNSRING: ", s.handleRing); err != nil {
		return nil, err
	}
	if err := a.AddIndication("+SQNSH: ", s.handleClosed); err != nil {
		a.CancelIndication("+SQNSRING: ")
		return nil, err
	}
	a.OnReset(s.reset)
	return &s, nil
}

// Protocol selects the transport protocol of a socket.
type Protocol int

const (
	// TCP is the transmission control protocol.
	TCP Protocol = 0

	// UDP is the user datagram protocol.
	UDP Protocol = 1
)

// AcceptAnyRemote controls whether a UDP socket exchanges data with hosts
// other than the dialled remote.
type AcceptAnyRemote int

const (
	// AcceptDisabled only exchanges data with the dialled remote.
	AcceptDisabled AcceptAnyRemote = 0

	// AcceptRxOnly receives data from any host.
	AcceptRxOnly AcceptAnyRemote = 1

	// AcceptRxAndTx receives data from any host and allows Send to override
	// the destination.
	AcceptRxAndTx AcceptAnyRemote = 2
)

// RAI is release assistance information, which indicates to the network
// when no further data is expected and the connection can be released early.
type RAI int

const (
	// RAINone provides no release assistance information.
	RAINone RAI = 0

	// RAINoFurtherData indicates no further data will follow the
	// transmission.
	RAINoFurtherData RAI = 1

	// RAISingleResponse indicates only a single downlink response will
	// follow the transmission.
	RAISingleResponse RAI = 2
)

// CloseCause records why a socket ceased to be connected.
type CloseCause int

const (
	// CauseNone indicates the socket has not been closed.
	CauseNone CloseCause = iota

	// CauseLocal indicates the socket was closed by Close.
	CauseLocal

	// CauseRemote indicates the connection was closed by the remote host or
	// the network.
	CauseRemote
)

// Status describes the mirrored state of a socket context.
type Status struct {
	// Configured indicates the context has been created and not yet closed.
	Configured bool

	// Connected indicates the context is connected to a remote host.
	Connected bool

	// Cause records why the context is no longer connected.
	Cause CloseCause
}

// Ring announces data pending on a socket.
type Ring struct {
	// ID of the socket the data arrived on.
	ID int

	// Length of the pending data, or 0 when the modem does not report it.
	Length int

	// Data carried in the ring itself, when the modem is configured to do
	// so.
	Data []byte
}

// Message is a span of data received from a socket.
type Message struct {
	// ID of the socket the data was received on.
	ID int

	// Addr and Port identify the sending host, when reported by the modem.
	Addr string
	Port int

	// Payload is the received data.
	Payload []byte
}

type createConfig struct {
	pdp       int
	mtu       int
	exchange  time.Duration
	connect   time.Duration
	sendDelay time.Duration
}

// CreateOption modifies the socket context written by Create.
type CreateOption func(*createConfig)

// WithPDP sets the PDP context the socket is carried over.
func WithPDP(contextID int) CreateOption {
	return func(c *createConfig) {
		c.pdp = contextID
	}
}

// WithMTU sets the maximum transmission unit of the socket.
func WithMTU(mtu int) CreateOption {
	return func(c *createConfig) {
		c.mtu = mtu
	}
}

// WithExchangeTimeout sets the period of inactivity after which the modem
// drops the connection. Zero disables the timeout.
func WithExchangeTimeout(d time.Duration) CreateOption {
	return func(c *createConfig) {
		c.exchange = d
	}
}

// WithConnTimeout sets the period allowed for a connection to be
// established.
func WithConnTimeout(d time.Duration) CreateOption {
	return func(c *createConfig) {
		c.connect = d
	}
}

// WithSendDelay sets the period the modem collects further data before
// transmitting.
func WithSendDelay(d time.Duration) CreateOption {
	return func(c *createConfig) {
		c.sendDelay = d
	}
}

// Create configures a free socket context on the modem and returns its id.
//
// Unless overridden by options the context is carried over PDP context 1
// with an MTU of 300 bytes, an exchange timeout of 90 seconds, a connection
// timeout of 60 seconds and a send delay of 5 seconds.
func (s *Socket) Create(ctx context.Context, options ...CreateOption) (int, error) {
	cfg := createConfig{
		pdp:       1,
		mtu:       300,
		exchange:  90 * time.Second,
		connect:   60 * time.Second,
		sendDelay: 5 * time.Second,
	}
	for _, option := range options {
		option(&cfg)
	}
	id, err := s.reserve()
	if err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf("+SQNSCFG=%d,%d,%d,%d,%d,%d",
		id, cfg.pdp, cfg.mtu,
		int(cfg.exchange/time.Second),
		int(cfg.connect/(100*time.Millisecond)),
		int(cfg.sendDelay/(100*time.Millisecond)))
	_, err = s.a.Command(ctx, cmd)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &s.entries[id]
	e.reserved = false
	if err != nil {
		return 0, err
	}
	e.configured = true
	return id, nil
}

// reserve claims the lowest free socket context.
func (s *Socket) reserve() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := minID; id <= maxID; id++ {
		e := &s.entries[id]
		if !e.reserved && !e.configured {
			*e = entry{reserved: true}
			return id, nil
		}
	}
	return 0, ErrNoFreeSocket
}

type dialConfig struct {
	localPort int
	anyRemote AcceptAnyRemote
}

// DialOption modifies the connection made by Dial.
type DialOption func(*dialConfig)

// WithLocalPort sets the local port of the connection. The modem assigns an
// ephemeral port by default.
func WithLocalPort(port int) DialOption {
	return func(c *dialConfig) {
		c.localPort = port
	}
}

// WithAcceptAnyRemote allows a UDP socket to exchange data with hosts other
// than the dialled remote.
func WithAcceptAnyRemote(accept AcceptAnyRemote) DialOption {
	return func(c *dialConfig) {
		c.anyRemote = accept
	}
}

// Dial connects a configured socket context to a remote host.
//
// A UDP socket is bound rather than connected, but the modem nonetheless
// reports it as connected.
func (s *Socket) Dial(ctx context.Context, socketID int, proto Protocol, addr string, port int, options ...DialOption) error {
	cfg := dialConfig{}
	for _, option := range options {
		option(&cfg)
	}
	if _, err := s.status(socketID); err != nil {
		return err
	}
	cmd := fmt.Sprintf("+SQNSD=%d,%d,%d,%q,0,%d,1,%d,0",
		socketID, proto, port, addr, cfg.localPort, cfg.anyRemote)
	if _, err := s.a.Command(ctx, cmd); err != nil {
		return err
	}
	s.mu.Lock()
	e := &s.entries[socketID]
	e.connected = true
	e.cause = CauseNone
	e.anyRemote = cfg.anyRemote
	s.mu.Unlock()
	return nil
}

type sendConfig struct {
	rai    RAI
	addr   string
	port   int
	remote bool
}

// SendOption modifies the transmission made by Send.
type SendOption func(*sendConfig)

// WithRAI attaches release assistance information to the transmission.
func WithRAI(rai RAI) SendOption {
	return func(c *sendConfig) {
		c.rai = rai
	}
}

// WithRemote overrides the destination of the transmission. Only valid on a
// UDP socket dialled with AcceptRxAndTx.
func WithRemote(addr string, port int) SendOption {
	return func(c *sendConfig) {
		c.addr = addr
		c.port = port
		c.remote = true
	}
}

// Send transmits data on a connected socket.
//
// The payload is only written to the modem once it has issued its prompt.
func (s *Socket) Send(ctx context.Context, socketID int, data []byte, options ...SendOption) error {
	cfg := sendConfig{}
	for _, option := range options {
		option(&cfg)
	}
	e, err := s.status(socketID)
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data) > maxPayload {
		return ErrInvalidLength
	}
	if cfg.remote && e.anyRemote != AcceptRxAndTx {
		return ErrRemoteNotAllowed
	}
	cmd := fmt.Sprintf("+SQNSSENDEXT=%d,%d,%d", socketID, len(data), cfg.rai)
	if cfg.remote {
		cmd += fmt.Sprintf(",%q,%d", cfg.addr, cfg.port)
	}
	_, err = s.a.DataCommand(ctx, cmd, data)
	return err
}

// Receive reads pending data from a socket.
//
// The length is the size of the pending data, typically taken from the ring
// announcing it, and bounds the raw span read from the modem. At most
// maxBytes are requested in a single read.
func (s *Socket) Receive(ctx context.Context, socketID, length, maxBytes int) (*Message, error) {
	if _, err := s.status(socketID); err != nil {
		return nil, err
	}
	if length < 1 || maxBytes < 1 || maxBytes > maxRecv {
		return nil, ErrInvalidLength
	}
	if length > maxBytes {
		length = maxBytes
	}
	cmd := fmt.Sprintf("+SQNSRECV=%d,%d", socketID, maxBytes)
	rsp, err := s.a.Command(ctx, cmd, at.WithRawChunk("+SQNSRECV: ", length))
	if err != nil {
		return nil, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+SQNSRECV") {
			continue
		}
		return parseMessage(info.TrimPrefix(l, "+SQNSRECV"), rsp.Chunk)
	}
	return nil, ErrMalformedResponse
}

// parseMessage unpacks a "<id>,<length>[,<addr>,<port>]" receive header and
// the data chunk that followed it.
func parseMessage(s string, chunk []byte) (*Message, error) {
	f := info.Fields(s)
	if len(f) < 2 {
		return nil, ErrMalformedResponse
	}
	id, err := info.Int(f[0])
	if err != nil {
		return nil, ErrMalformedResponse
	}
	length, err := info.Int(f[1])
	if err != nil || length != len(chunk) {
		return nil, ErrMalformedResponse
	}
	m := Message{ID: id, Payload: chunk}
	if len(f) >= 4 {
		m.Addr = f[2]
		m.Port, _ = info.Int(f[3])
	}
	return &m, nil
}

// Close closes a socket context and frees it for reuse.
//
// Pending rings are discarded.
func (s *Socket) Close(ctx context.Context, socketID int) error {
	if _, err := s.status(socketID); err != nil {
		return err
	}
	if _, err := s.a.Command(ctx, fmt.Sprintf("+SQNSH=%d", socketID)); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[socketID] = entry{cause: CauseLocal}
	s.mu.Unlock()
	return nil
}

// Status returns the mirrored state of a socket context.
func (s *Socket) Status(socketID int) Status {
	if socketID < minID || socketID > maxID {
		return Status{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &s.entries[socketID]
	return Status{Configured: e.configured, Connected: e.connected, Cause: e.cause}
}

// NextRing returns the oldest pending ring of a socket, if any.
func (s *Socket) NextRing(socketID int) (Ring, bool) {
	if socketID < minID || socketID > maxID {
		return Ring{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &s.entries[socketID]
	if len(e.rings) == 0 {
		return Ring{}, false
	}
	r := e.rings[0]
	e.rings = e.rings[1:]
	return r, true
}

// Pending returns the number of rings queued on a socket.
func (s *Socket) Pending(socketID int) int {
	if socketID < minID || socketID > maxID {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[socketID].rings)
}

// status returns a copy of the mirrored state of a configured context.
func (s *Socket) status(socketID int) (entry, error) {
	if socketID < minID || socketID > maxID {
		return entry{}, ErrNoSuchSocket
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[socketID]
	if !e.configured {
		return entry{}, ErrNoSuchSocket
	}
	return e, nil
}

// handleRing processes data pending indications of the form
// "+SQNSRING: <id>[,<length>[,<data>]]".
//
// The data, if present, may itself contain commas, so only the first two
// fields are split out.
func (s *Socket) handleRing(lines []string) {
	f := strings.SplitN(info.TrimPrefix(lines[0], "+SQNSRING"), ",", 3)
	id, err := info.Int(f[0])
	if err != nil || id < minID || id > maxID {
		return
	}
	r := Ring{ID: id}
	if len(f) > 1 {
		r.Length, _ = info.Int(f[1])
	}
	if len(f) > 2 {
		r.Data = []byte(f[2])
	}
	s.mu.Lock()
	e := &s.entries[id]
	if len(e.rings) < maxRings {
		e.rings = append(e.rings, r)
	}
	s.mu.Unlock()
}

// handleClosed processes "+SQNSH: <id>" indications, issued when the
// connection is closed by the remote host or the network.
//
// The context remains configured and must still be closed locally to free
// it.
func (s *Socket) handleClosed(lines []string) {
	id, err := info.Int(info.TrimPrefix(lines[0], "+SQNSH"))
	if err != nil || id < minID || id > maxID {
		return
	}
	s.mu.Lock()
	e := &s.entries[id]
	if e.connected {
		e.connected = false
		e.cause = CauseRemote
	}
	s.mu.Unlock()
}

func (s *Socket) reset() {
	s.mu.Lock()
	for i := range s.entries {
		s.entries[i] = entry{}
	}
	s.mu.Unlock()
}

var (
	// ErrNoSuchSocket indicates the socket context does not exist.
	ErrNoSuchSocket = errors.New("no such socket")

	// ErrNoFreeSocket indicates all socket contexts are in use.
	ErrNoFreeSocket = errors.New("no free socket")

	// ErrInvalidLength indicates the data length is outside the range
	// supported by the modem.
	ErrInvalidLength = errors.New("invalid length")

	// ErrRemoteNotAllowed indicates the socket was not dialled to allow the
	// destination to be overridden.
	ErrRemoteNotAllowed = errors.New("remote override not allowed")

	// ErrMalformedResponse indicates the modem returned a malformed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")
)
