// SPDX-License-Identifier: MIT

// Package tls manages the TLS security profiles and stored credentials of the
// modem.
//
// Profiles are referenced by id from the secure variants of the socket and
// CoAP features. Credentials are written to numbered NVM slots and referenced
// from profiles by slot.
package tls

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/pkg/errors"
)

const (
	minProfileID = 1
	maxProfileID = 6

	minSlot = 0
	maxSlot = 19
)

// TLS manages the TLS security profiles of the modem.
type TLS struct {
	a *at.AT

	// covers configured
	mu sync.Mutex

	// mirrors which profiles have been configured, indexed by profile id
	configured [maxProfileID + 1]bool
}

// New creates a TLS profile manager on the modem.
func New(a *at.AT) *TLS {
	t := TLS{a: a}
	a.OnReset(t.reset)
	return &t
}

// Version selects the TLS protocol version for a profile.
type Version int

const (
	// Version10 is TLS 1.0.
	Version10 Version = 0

	// Version11 is TLS 1.1.
	Version11 Version = 1

	// Version12 is TLS 1.2.
	Version12 Version = 2

	// Version13 is TLS 1.3.
	Version13 Version = 3

	// VersionReset returns the profile to the factory default version.
	VersionReset Version = 255
)

// Validation selects how the certificate of the peer is validated.
type Validation int

const (
	// ValidationNone performs no validation of the peer.
	ValidationNone Validation = 0

	// ValidationCA validates the peer certificate against the CA.
	ValidationCA Validation = 1

	// ValidationURL validates the peer URL against the certificate common
	// name.
	ValidationURL Validation = 4

	// ValidationURLAndCA performs both URL and CA validation.
	ValidationURLAndCA Validation = 5
)

// Kind identifies the kind of credential stored in an NVM slot.
type Kind string

const (
	// Certificate is a CA or client certificate in PEM form.
	Certificate Kind = "certificate"

	// PrivateKey is a client private key in PEM form.
	PrivateKey Kind = "privatekey"
)

type config struct {
	ca   int
	cert int
	key  int
}

// ConfigOption modifies the profile written by ConfigProfile.
type ConfigOption func(*config)

// WithCA sets the NVM slot of the CA certificate used to validate the peer.
func WithCA(slot int) ConfigOption {
	return func(c *config) {
		c.ca = slot
	}
}

// WithClientCert sets the NVM slot of the certificate presented to the peer.
func WithClientCert(slot int) ConfigOption {
	return func(c *config) {
		c.cert = slot
	}
}

// WithPrivateKey sets the NVM slot of the private key corresponding to the
// client certificate.
func WithPrivateKey(slot int) ConfigOption {
	return func(c *config) {
		c.key = slot
	}
}

// ConfigProfile writes a TLS security profile to the modem.
//
// The profile is retained by the modem over resets, though the mirrored
// configured flag, as reported by Configured, is not.
func (t *TLS) ConfigProfile(ctx context.Context, profileID int, version Version, validation Validation, options ...ConfigOption) error {
	if profileID < minProfileID || profileID > maxProfileID {
		return ErrNoSuchProfile
	}
	cfg := config{ca: -1, cert: -1, key: -1}
	for _, option := range options {
		option(&cfg)
	}
	for _, slot := range []int{cfg.ca, cfg.cert, cfg.key} {
		if slot > maxSlot {
			return ErrNoSuchSlot
		}
	}
	cmd := fmt.Sprintf("+SQNSPCFG=%d,%d,\"\",%d,%s,%s,%s,\"\",\"\",0,0,0",
		profileID, version, validation,
		slotField(cfg.ca), slotField(cfg.cert), slotField(cfg.key))
	_, err := t.a.Command(ctx, cmd, at.WithCompletion(func(rsp *at.Response, cerr error) {
		if cerr != nil {
			return
		}
		t.mu.Lock()
		t.configured[profileID] = true
		t.mu.Unlock()
	}))
	return err
}

// WriteCredential stores a credential in an NVM slot of the modem.
func (t *TLS) WriteCredential(ctx context.Context, kind Kind, slot int, data []byte) error {
	if kind != Certificate && kind != PrivateKey {
		return ErrUnknownKind
	}
	if slot < minSlot || slot > maxSlot {
		return ErrNoSuchSlot
	}
	if len(data) == 0 {
		return ErrEmptyCredential
	}
	cmd := fmt.Sprintf("+SQNSNVW=%q,%d,%d", string(kind), slot, len(data))
	_, err := t.a.DataCommand(ctx, cmd, data)
	return err
}

// DeleteCredential erases the credential in an NVM slot of the modem.
func (t *TLS) DeleteCredential(ctx context.Context, kind Kind, slot int) error {
	if kind != Certificate && kind != PrivateKey {
		return ErrUnknownKind
	}
	if slot < minSlot || slot > maxSlot {
		return ErrNoSuchSlot
	}
	cmd := fmt.Sprintf("+SQNSNVW=%q,%d,0", string(kind), slot)
	_, err := t.a.Command(ctx, cmd)
	return err
}

// Configured returns whether the profile has been configured since the modem
// was last reset.
func (t *TLS) Configured(profileID int) bool {
	if profileID < minProfileID || profileID > maxProfileID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configured[profileID]
}

func (t *TLS) reset() {
	t.mu.Lock()
	for i := range t.configured {
		t.configured[i] = false
	}
	t.mu.Unlock()
}

// slotField renders an optional NVM slot reference, empty when unset.
func slotField(slot int) string {
	if slot < 0 {
		return ""
	}
	return strconv.Itoa(slot)
}

var (
	// ErrNoSuchProfile indicates the profile id is outside the range supported
	// by the modem.
	ErrNoSuchProfile = errors.New("no such profile")

	// ErrNoSuchSlot indicates the NVM slot is outside the range supported by
	// the modem.
	ErrNoSuchSlot = errors.New("no such slot")

	// ErrEmptyCredential indicates the credential contains no data.
	ErrEmptyCredential = errors.New("credential is empty")

	// ErrUnknownKind indicates the credential kind is not supported by the
	// modem.
	ErrUnknownKind = errors.New("unknown credential kind")
)
