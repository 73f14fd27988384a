// SPDX-License-Identifier: MIT

// Package walter supports the Sequans GM02SP modem found on the Walter board.
//
// It decorates the AT modem with device level operations, and caches the
// network registration state reported by the modem.
package walter

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/FoxyHunter7/walter-modem/info"
	"github.com/pkg/errors"
)

// Modem decorates the AT modem with GM02SP specific functionality.
type Modem struct {
	*at.AT

	// covers reg
	mu sync.Mutex

	// the most recent registration state reported by the modem
	reg RegistrationState
}

// New creates a new Walter modem.
func New(modem io.ReadWriter, options ...at.Option) *Modem {
	m := Modem{}
	options = append(options, at.WithIndication("+CEREG: ", m.handleRegistration))
	m.AT = at.New(modem, options...)
	m.OnReset(m.clearRegistration)
	return &m
}

// Init initialises the modem.
//
// In addition to the AT initialisation, registration state reporting is
// enabled so the registration cache tracks the network.
func (m *Modem) Init(ctx context.Context) error {
	if err := m.AT.Init(ctx); err != nil {
		return err
	}
	cmds := []string{
		"+CEREG=1", // report registration state changes
	}
	for _, cmd := range cmds {
		_, err := m.Command(ctx, cmd)
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckComm confirms the modem is responding to commands.
func (m *Modem) CheckComm(ctx context.Context) error {
	_, err := m.Command(ctx, "")
	return err
}

// Reset performs a software reset of the modem and awaits the boot banner.
//
// All connections and contexts held by the modem are lost, so the mirrored
// state kept by feature layers is returned to defaults.
func (m *Modem) Reset(ctx context.Context) error {
	m.NotifyReset()
	_, err := m.Command(ctx, "^RESET", at.WithFinalResponse("+SYSSTART"))
	return err
}

// WaitBoot awaits the boot banner without commanding a reset.
//
// It is used to attach to a modem that is booting due to an external reset,
// such as power on or a reset pin toggle.
func (m *Modem) WaitBoot(ctx context.Context) error {
	_, err := m.WaitFor(ctx, "+SYSSTART")
	if err != nil {
		return err
	}
	m.NotifyReset()
	return nil
}

// Clock returns the real time clock of the modem.
//
// The zone of the returned time is the fixed offset reported by the modem.
func (m *Modem) Clock(ctx context.Context) (time.Time, error) {
	rsp, err := m.Command(ctx, "+CCLK?")
	if err != nil {
		return time.Time{}, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+CCLK") {
			continue
		}
		return parseClock(info.TrimPrefix(l, "+CCLK"))
	}
	return time.Time{}, ErrMalformedResponse
}

// RSSI returns the received signal strength, in dBm.
func (m *Modem) RSSI(ctx context.Context) (int, error) {
	rsp, err := m.Command(ctx, "+CSQ")
	if err != nil {
		return 0, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+CSQ") {
			continue
		}
		fields := info.Fields(info.TrimPrefix(l, "+CSQ"))
		if len(fields) < 1 {
			break
		}
		raw, err := info.Int(fields[0])
		if err != nil {
			break
		}
		return -113 + raw*2, nil
	}
	return 0, ErrMalformedResponse
}

// SignalQuality holds the signal quality of the LTE reference signals.
type SignalQuality struct {
	// reference signal received quality, in tenths of a dB
	RSRQ int

	// reference signal received power, in dBm
	RSRP int
}

// SignalQuality returns the quality of the LTE reference signals received by
// the modem.
func (m *Modem) SignalQuality(ctx context.Context) (*SignalQuality, error) {
	rsp, err := m.Command(ctx, "+CESQ")
	if err != nil {
		return nil, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+CESQ") {
			continue
		}
		fields := info.Fields(info.TrimPrefix(l, "+CESQ"))
		if len(fields) < 6 {
			break
		}
		rsrq, err := info.Int(fields[4])
		if err != nil {
			break
		}
		rsrp, err := info.Int(fields[5])
		if err != nil {
			break
		}
		return &SignalQuality{RSRQ: -195 + rsrq*5, RSRP: -140 + rsrp}, nil
	}
	return nil, ErrMalformedResponse
}

// CellInfo describes the serving cell.
type CellInfo struct {
	// the operator name
	NetName string

	// the mobile country code
	CC int

	// the mobile network code
	NC int

	// reference signal received power, in dBm
	RSRP float64

	// carrier to interference plus noise ratio, in dB
	CINR float64

	// reference signal received quality, in dB
	RSRQ float64

	// the tracking area code
	TAC int

	// the physical cell id
	PCI int

	// the E-UTRA absolute radio frequency channel number
	EARFCN int

	// received signal strength, in dBm
	RSSI float64

	// the paging coefficient
	Paging int

	// the E-UTRAN cell id
	CID uint32

	// the active LTE band
	Band int

	// the bandwidth, in kHz
	BW int

	// the coverage enhancement level
	CELevel int
}

// CellInfo returns information on the serving cell.
func (m *Modem) CellInfo(ctx context.Context) (*CellInfo, error) {
	rsp, err := m.Command(ctx, "+SQNMONI=0")
	if err != nil {
		return nil, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+SQNMONI") {
			continue
		}
		return parseCellInfo(info.TrimPrefix(l, "+SQNMONI")), nil
	}
	return nil, ErrMalformedResponse
}

// OpState returns the operational state of the modem.
func (m *Modem) OpState(ctx context.Context) (OpState, error) {
	rsp, err := m.Command(ctx, "+CFUN?")
	if err != nil {
		return OpMinimum, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+CFUN") {
			continue
		}
		fields := info.Fields(info.TrimPrefix(l, "+CFUN"))
		if len(fields) < 1 {
			break
		}
		state, err := info.Int(fields[0])
		if err != nil {
			break
		}
		return OpState(state), nil
	}
	return OpMinimum, ErrMalformedResponse
}

// SetOpState sets the operational state of the modem.
func (m *Modem) SetOpState(ctx context.Context, state OpState) error {
	_, err := m.Command(ctx, "+CFUN="+strconv.Itoa(int(state)))
	return err
}

// RadioTechnology returns the radio access technology in use by the modem.
func (m *Modem) RadioTechnology(ctx context.Context) (Rat, error) {
	rsp, err := m.Command(ctx, "+SQNMODEACTIVE?")
	if err != nil {
		return RatLTEM, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+SQNMODEACTIVE") {
			continue
		}
		rat, err := info.Int(info.TrimPrefix(l, "+SQNMODEACTIVE"))
		if err != nil || rat < 1 {
			break
		}
		// the wire value is one above the RAT
		return Rat(rat - 1), nil
	}
	return RatLTEM, ErrMalformedResponse
}

// SetRadioTechnology sets the radio access technology used by the modem.
//
// The setting is retained over resets, and the modem resets itself to apply
// it, so this is typically a one time provisioning operation.
func (m *Modem) SetRadioTechnology(ctx context.Context, rat Rat) error {
	_, err := m.Command(ctx, "+SQNMODEACTIVE="+strconv.Itoa(int(rat)+1))
	return err
}

// SIMState returns the state of the SIM card.
func (m *Modem) SIMState(ctx context.Context) (SIMState, error) {
	rsp, err := m.Command(ctx, "+CPIN?")
	if err != nil {
		return SIMReady, err
	}
	for _, l := range rsp.Info {
		if !info.HasPrefix(l, "+CPIN") {
			continue
		}
		state, ok := simStates[info.TrimPrefix(l, "+CPIN")]
		if !ok {
			break
		}
		return state, nil
	}
	return SIMReady, ErrMalformedResponse
}

// Unlock provides the PIN code to unlock the SIM card.
func (m *Modem) Unlock(ctx context.Context, pin string) error {
	_, err := m.Command(ctx, "+CPIN="+pin)
	return err
}

// RegistrationState returns the most recent network registration state
// reported by the modem.
func (m *Modem) RegistrationState() RegistrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg
}

func (m *Modem) handleRegistration(lines []string) {
	fields := info.Fields(info.TrimPrefix(lines[0], "+CEREG"))
	if len(fields) < 1 {
		return
	}
	state, err := info.Int(fields[0])
	if err != nil {
		return
	}
	m.mu.Lock()
	m.reg = RegistrationState(state)
	m.mu.Unlock()
}

func (m *Modem) clearRegistration() {
	m.mu.Lock()
	m.reg = NotSearching
	m.mu.Unlock()
}

// parseClock converts a CCLK time of the form "yy/MM/dd,hh:mm:ss±qq", where
// qq is the zone offset in quarters of an hour, into a time.Time.
func parseClock(s string) (time.Time, error) {
	s = strings.Trim(s, "\"")
	if len(s) != 20 {
		return time.Time{}, ErrMalformedResponse
	}
	t, err := time.Parse("06/01/02,15:04:05", s[:17])
	if err != nil {
		return time.Time{}, ErrMalformedResponse
	}
	qq, err := strconv.Atoi(s[17:])
	if err != nil {
		return time.Time{}, ErrMalformedResponse
	}
	zone := time.FixedZone("", qq*15*60)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, zone), nil
}

// parseCellInfo parses the space separated key:value form of the SQNMONI
// response. The first key carries the operator name prepended.
func parseCellInfo(s string) *CellInfo {
	ci := CellInfo{}
	named := false
	for _, part := range strings.Split(s, " ") {
		if !strings.Contains(part, ":") {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		key, value := kv[0], kv[1]
		if !named && len(key) > 2 {
			ci.NetName = key[:len(key)-2]
			key = key[len(key)-2:]
			named = true
		}
		switch key {
		case "Cc":
			ci.CC, _ = strconv.Atoi(value)
		case "Nc":
			ci.NC, _ = strconv.Atoi(value)
		case "RSRP":
			ci.RSRP, _ = strconv.ParseFloat(value, 64)
		case "CINR":
			ci.CINR, _ = strconv.ParseFloat(value, 64)
		case "RSRQ":
			ci.RSRQ, _ = strconv.ParseFloat(value, 64)
		case "TAC":
			ci.TAC, _ = strconv.Atoi(value)
		case "Id":
			ci.PCI, _ = strconv.Atoi(value)
		case "EARFCN":
			ci.EARFCN, _ = strconv.Atoi(value)
		case "PWR":
			ci.RSSI, _ = strconv.ParseFloat(value, 64)
		case "PAGING":
			ci.Paging, _ = strconv.Atoi(value)
		case "CID":
			cid, err := strconv.ParseUint(value, 16, 32)
			if err == nil {
				ci.CID = uint32(cid)
			}
		case "BAND":
			ci.Band, _ = strconv.Atoi(value)
		case "BW":
			ci.BW, _ = strconv.Atoi(value)
		case "CE":
			ci.CELevel, _ = strconv.Atoi(value)
		}
	}
	return &ci
}

// OpState indicates the operational state of the modem.
type OpState int

const (
	// OpMinimum is the minimum functionality state, with RF disabled.
	OpMinimum OpState = 0

	// OpFull is the fully operational state.
	OpFull OpState = 1

	// OpNoRF disables transmit and receive while retaining the SIM.
	OpNoRF OpState = 4

	// OpManufacturing is the factory test state.
	OpManufacturing OpState = 5
)

// Rat indicates a radio access technology.
type Rat int

const (
	// RatLTEM is the LTE Cat-M1 radio access technology.
	RatLTEM Rat = iota

	// RatNBIoT is the NB-IoT radio access technology.
	RatNBIoT

	// RatAuto lets the modem select the radio access technology.
	RatAuto
)

// RegistrationState indicates the state of the network registration.
type RegistrationState int

const (
	// NotSearching indicates the modem is not registered and not searching.
	NotSearching RegistrationState = iota

	// RegisteredHome indicates registration on the home network.
	RegisteredHome

	// Searching indicates the modem is searching for a network.
	Searching

	// RegistrationDenied indicates the network refused registration.
	RegistrationDenied

	// RegistrationUnknown indicates the registration state is unknown.
	RegistrationUnknown

	// RegisteredRoaming indicates registration on a visited network.
	RegisteredRoaming

	// RegisteredSMSOnlyHome indicates SMS only registration on the home
	// network.
	RegisteredSMSOnlyHome

	// RegisteredSMSOnlyRoaming indicates SMS only registration on a visited
	// network.
	RegisteredSMSOnlyRoaming

	// AttachedEmergencyOnly indicates attachment for emergency services only.
	AttachedEmergencyOnly

	// RegisteredCSFBHome indicates registration on the home network without
	// preferred circuit switched fallback.
	RegisteredCSFBHome

	// RegisteredCSFBRoaming indicates registration on a visited network
	// without preferred circuit switched fallback.
	RegisteredCSFBRoaming
)

// RegisteredTempConnLoss indicates a registration with temporary loss of
// connection.
const RegisteredTempConnLoss RegistrationState = 80

// SIMState indicates the state of the SIM card.
type SIMState int

const (
	// SIMReady indicates the SIM is ready for use.
	SIMReady SIMState = iota

	// SIMPINRequired indicates the SIM is awaiting its PIN.
	SIMPINRequired

	// SIMPUKRequired indicates the SIM is awaiting its PUK.
	SIMPUKRequired

	// SIMPhonePINRequired indicates the phone-to-SIM password is required.
	SIMPhonePINRequired

	// SIMPhoneFirstPINRequired indicates the phone-to-first-SIM password is
	// required.
	SIMPhoneFirstPINRequired

	// SIMPhoneFirstPUKRequired indicates the phone-to-first-SIM unblocking
	// password is required.
	SIMPhoneFirstPUKRequired

	// SIMPIN2Required indicates the SIM is awaiting its PIN2.
	SIMPIN2Required

	// SIMPUK2Required indicates the SIM is awaiting its PUK2.
	SIMPUK2Required

	// SIMNetworkPINRequired indicates the network personalisation password is
	// required.
	SIMNetworkPINRequired

	// SIMNetworkPUKRequired indicates the network personalisation unblocking
	// password is required.
	SIMNetworkPUKRequired

	// SIMNetworkSubsetPINRequired indicates the network subset
	// personalisation password is required.
	SIMNetworkSubsetPINRequired

	// SIMNetworkSubsetPUKRequired indicates the network subset
	// personalisation unblocking password is required.
	SIMNetworkSubsetPUKRequired

	// SIMProviderPINRequired indicates the service provider personalisation
	// password is required.
	SIMProviderPINRequired

	// SIMProviderPUKRequired indicates the service provider personalisation
	// unblocking password is required.
	SIMProviderPUKRequired

	// SIMCorporatePINRequired indicates the corporate personalisation
	// password is required.
	SIMCorporatePINRequired

	// SIMCorporatePUKRequired indicates the corporate personalisation
	// unblocking password is required.
	SIMCorporatePUKRequired
)

// simStates maps the CPIN response to the SIM state.
var simStates = map[string]SIMState{
	"READY":         SIMReady,
	"SIM PIN":       SIMPINRequired,
	"SIM PUK":       SIMPUKRequired,
	"PH-SIM PIN":    SIMPhonePINRequired,
	"PH-FSIM PIN":   SIMPhoneFirstPINRequired,
	"PH-FSIM PUK":   SIMPhoneFirstPUKRequired,
	"SIM PIN2":      SIMPIN2Required,
	"SIM PUK2":      SIMPUK2Required,
	"PH-NET PIN":    SIMNetworkPINRequired,
	"PH-NET PUK":    SIMNetworkPUKRequired,
	"PH-NETSUB PIN": SIMNetworkSubsetPINRequired,
	"PH-NETSUB PUK": SIMNetworkSubsetPUKRequired,
	"PH-SP PIN":     SIMProviderPINRequired,
	"PH-SP PUK":     SIMProviderPUKRequired,
	"PH-CORP PIN":   SIMCorporatePINRequired,
	"PH-CORP PUK":   SIMCorporatePUKRequired,
}

// ErrMalformedResponse indicates the modem returned a malformed response.
var ErrMalformedResponse = errors.New("modem returned malformed response")
