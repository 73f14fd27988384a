// SPDX-License-Identifier: MIT

// Package pdp manages the packet data protocol contexts of the Sequans
// GM02SP.
//
// A PDP context carries the data connection of the modem. A context is
// defined with an APN and optional authentication credentials, and then
// activated, with the modem attached to the packet domain service, to move
// data.
package pdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/FoxyHunter7/walter-modem/info"
	"github.com/pkg/errors"
)

// minID and maxID bound the PDP context ids provided by the modem.
const (
	minID = 1
	maxID = 8
)

// PDP provides access to the PDP contexts of the modem.
type PDP struct {
	a  *at.AT
	mu sync.Mutex

	// mirrored context state, indexed by context id
	entries  [maxID + 1]entry
	attached bool
}

type entry struct {
	reserved bool
	defined  bool
	active   bool
	proto    AuthProto
	user     string
	pass     string
}

// New creates a PDP using the provided AT modem.
func New(a *at.AT) *PDP {
	p := PDP{a: a}
	a.OnReset(p.reset)
	return &p
}

// Type is the protocol type of a PDP context.
type Type string

const (
	IP     Type = "IP"
	IPv6   Type = "IPV6"
	IPv4v6 Type = "IPV4V6"
	NonIP  Type = "Non-IP"
)

// AuthProto is the protocol used to authenticate a PDP context with the
// network.
type AuthProto int

const (
	// AuthNone performs no authentication.
	AuthNone AuthProto = 0

	// AuthPAP authenticates with the password authentication protocol.
	AuthPAP AuthProto = 1

	// AuthCHAP authenticates with the challenge handshake authentication
	// protocol.
	AuthCHAP AuthProto = 2
)

// Status describes the mirrored state of a PDP context.
type Status struct {
	// Defined indicates the context has been defined on the modem.
	Defined bool

	// Active indicates the context has been activated.
	Active bool
}

type defineConfig struct {
	typ   Type
	proto AuthProto
	user  string
	pass  string
}

// DefineOption modifies the context written by Define.
type DefineOption func(*defineConfig)

// WithType sets the protocol type of the context. The default is IP.
func WithType(typ Type) DefineOption {
	return func(c *defineConfig) {
		c.typ = typ
	}
}

// WithAuth sets the credentials presented to the network by Authenticate.
func WithAuth(proto AuthProto, user, pass string) DefineOption {
	return func(c *defineConfig) {
		c.proto = proto
		c.user = user
		c.pass = pass
	}
}

// Define defines a free PDP context on the modem and returns its id.
//
// An empty APN leaves the network to select one.
func (p *PDP) Define(ctx context.Context, apn string, options ...DefineOption) (int, error) {
	cfg := defineConfig{typ: IP}
	for _, option := range options {
		option(&cfg)
	}
	id, err := p.reserve()
	if err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf("+CGDCONT=%d,%q,%q", id, string(cfg.typ), apn)
	_, err = p.a.Command(ctx, cmd)
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &p.entries[id]
	e.reserved = false
	if err != nil {
		return 0, err
	}
	e.defined = true
	e.proto = cfg.proto
	e.user = cfg.user
	e.pass = cfg.pass
	return id, nil
}

// reserve claims the lowest free PDP context.
func (p *PDP) reserve() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := minID; id <= maxID; id++ {
		e := &p.entries[id]
		if !e.reserved && !e.defined {
			*e = entry{reserved: true}
			return id, nil
		}
	}
	return 0, ErrNoFreeContext
}

// Authenticate presents the authentication credentials of a context to the
// network.
//
// A context defined without credentials requires no authentication, so
// this is a no-op for it.
func (p *PDP) Authenticate(ctx context.Context, contextID int) error {
	e, err := p.status(contextID)
	if err != nil {
		return err
	}
	if e.proto == AuthNone {
		return nil
	}
	cmd := fmt.Sprintf("+CGAUTH=%d,%d,%q,%q", contextID, e.proto, e.user, e.pass)
	_, err = p.a.Command(ctx, cmd)
	return err
}

// SetActive activates or deactivates a defined context.
func (p *PDP) SetActive(ctx context.Context, contextID int, active bool) error {
	if _, err := p.status(contextID); err != nil {
		return err
	}
	act := 0
	if active {
		act = 1
	}
	cmd := fmt.Sprintf("+CGACT=%d,%d", act, contextID)
	if _, err := p.a.Command(ctx, cmd); err != nil {
		return err
	}
	p.mu.Lock()
	p.entries[contextID].active = active
	p.mu.Unlock()
	return nil
}

// Attach attaches the modem to, or detaches it from, the packet domain
// service.
func (p *PDP) Attach(ctx context.Context, attach bool) error {
	att := 0
	if attach {
		att = 1
	}
	cmd := fmt.Sprintf("+CGATT=%d", att)
	if _, err := p.a.Command(ctx, cmd); err != nil {
		return err
	}
	p.mu.Lock()
	p.attached = attach
	p.mu.Unlock()
	return nil
}

// Attached returns whether the modem was attached to the packet domain
// service when last commanded.
func (p *PDP) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Address returns the addresses assigned to a context.
//
// An inactive context has no addresses, which is not an error.
func (p *PDP) Address(ctx context.Context, contextID int) ([]string, error) {
	if _, err := p.status(contextID); err != nil {
		return nil, err
	}
	rsp, err := p.a.Command(ctx, fmt.Sprintf("+CGPADDR=%d", contextID))
	if err != nil {
		return nil, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+CGPADDR") {
			continue
		}
		f := info.Fields(info.TrimPrefix(l, "+CGPADDR"))
		if len(f) < 1 {
			return nil, ErrMalformedResponse
		}
		return f[1:], nil
	}
	return nil, ErrMalformedResponse
}

// Status returns the mirrored state of a PDP context.
func (p *PDP) Status(contextID int) Status {
	if contextID < minID || contextID > maxID {
		return Status{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &p.entries[contextID]
	return Status{Defined: e.defined, Active: e.active}
}

// status returns a copy of the mirrored state of a defined context.
func (p *PDP) status(contextID int) (entry, error) {
	if contextID < minID || contextID > maxID {
		return entry{}, ErrNoSuchContext
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[contextID]
	if !e.defined {
		return entry{}, ErrNoSuchContext
	}
	return e, nil
}

func (p *PDP) reset() {
	p.mu.Lock()
	for i := range p.entries {
		p.entries[i] = entry{}
	}
	p.attached = false
	p.mu.Unlock()
}

var (
	// ErrNoSuchContext indicates the PDP context does not exist.
	ErrNoSuchContext = errors.New("no such context")

	// ErrNoFreeContext indicates all PDP contexts are in use.
	ErrNoFreeContext = errors.New("no free context")

	// ErrMalformedResponse indicates the modem returned a malformed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")
)
