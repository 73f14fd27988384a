// SPDX-License-Identifier: MIT

//
// Test suite for the walter module.
//
// Note that these tests provide a mockModem which does not attempt to emulate
// a GM02SP, but which provides responses required to exercise walter.go So,
// while the commands may follow the structure of the AT protocol they most
// certainly are not AT commands - just patterns that elicit the behaviour
// required for the test.

package walter_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/FoxyHunter7/walter-modem/trace"
	"github.com/FoxyHunter7/walter-modem/walter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	mm := mockModem{cmdSet: nil, echo: false, r: make(chan []byte, 10)}
	defer teardownModem(&mm)
	m := walter.New(&mm)
	require.NotNil(t, m)
	select {
	case <-m.Closed():
		t.Error("modem closed")
	default:
	}
}

func TestInit(t *testing.T) {
	cmdSet := map[string][]string{
		// for init (AT)
		"\r\n":          {"\r\n"},
		"ATE0\r\n":      {"OK\r\n"},
		"AT+CMEE=1\r\n": {"OK\r\n"},
		// for init (walter)
		"AT+CEREG=1\r\n": {"OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	background := context.Background()
	cancelled, cancel := context.WithCancel(background)
	cancel()
	timeout, cancel := context.WithTimeout(background, 0)
	patterns := []struct {
		name     string
		ctx      context.Context
		residual []byte
		key      string
		value    []string
		err      error
	}{
		{
			"vanilla",
			background,
			nil,
			"",
			nil,
			nil,
		},
		{
			"residual OKs",
			background,
			[]byte("\r\nOK\r\nOK\r\n"),
			"",
			nil,
			nil,
		},
		{
			"residual ERRORs",
			background,
			[]byte("\r\nERROR\r\nERROR\r\n"),
			"",
			nil,
			nil,
		},
		{
			"AT init failure",
			background,
			nil,
			"ATE0\r\n",
			[]string{"ERROR\r\n"},
			fmt.Errorf("ATE0 returned error: %w", at.ErrError),
		},
		{
			"CEREG error",
			background,
			nil,
			"AT+CEREG=1\r\n",
			[]string{"ERROR\r\n"},
			at.ErrError,
		},
		{
			"cancelled",
			cancelled,
			nil,
			"",
			nil,
			context.Canceled,
		},
		{
			"timeout",
			timeout,
			nil,
			"",
			nil,
			context.DeadlineExceeded,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			var oldvalue []string
			if p.residual != nil {
				mm.r <- p.residual
			}
			if p.key != "" {
				oldvalue = cmdSet[p.key]
				cmdSet[p.key] = p.value
			}
			err := m.Init(p.ctx)
			if oldvalue != nil {
				cmdSet[p.key] = oldvalue
			}
			assert.Equal(t, p.err, err)
		}
		t.Run(p.name, f)
	}
	cancel()
}

func TestCheckComm(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r\n": {"OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx := context.Background()
	assert.Nil(t, m.CheckComm(ctx))

	cmdSet["AT\r\n"] = []string{"ERROR\r\n"}
	assert.Equal(t, at.ErrError, m.CheckComm(ctx))
}

func TestReset(t *testing.T) {
	cmdSet := map[string][]string{
		"AT^RESET\r\n": {"OK\r\n", "+SYSSTART\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx := context.Background()
	assert.Nil(t, m.Reset(ctx))

	cmdSet["AT^RESET\r\n"] = []string{"ERROR\r\n"}
	assert.Equal(t, at.ErrError, m.Reset(ctx))
}

func TestWaitBoot(t *testing.T) {
	m, mm := setupModem(t, nil)
	defer teardownModem(mm)

	go func() {
		time.Sleep(20 * time.Millisecond)
		mm.r <- []byte("+SYSSTART\r\n")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Nil(t, m.WaitBoot(ctx))

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, m.WaitBoot(short))
}

func TestClock(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CCLK?\r\n": {"+CCLK: \"25/08/23,14:30:05+08\"\r\n", "OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name  string
		value []string
		want  time.Time
		err   error
	}{
		{
			"ok",
			nil,
			time.Date(2025, 8, 23, 14, 30, 5, 0, time.FixedZone("", 8*15*60)),
			nil,
		},
		{
			"west of Greenwich",
			[]string{"+CCLK: \"25/12/31,23:59:59-32\"\r\n", "OK\r\n"},
			time.Date(2025, 12, 31, 23, 59, 59, 0, time.FixedZone("", -32*15*60)),
			nil,
		},
		{
			"short",
			[]string{"+CCLK: \"25/08/23\"\r\n", "OK\r\n"},
			time.Time{},
			walter.ErrMalformedResponse,
		},
		{
			"garbled",
			[]string{"+CCLK: \"yy/08/23,14:30:05+08\"\r\n", "OK\r\n"},
			time.Time{},
			walter.ErrMalformedResponse,
		},
		{
			"no info",
			[]string{"OK\r\n"},
			time.Time{},
			walter.ErrMalformedResponse,
		},
		{
			"error",
			[]string{"ERROR\r\n"},
			time.Time{},
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.value != nil {
				cmdSet["AT+CCLK?\r\n"] = p.value
			}
			clk, err := m.Clock(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.want, clk)
		}
		t.Run(p.name, f)
	}
}

func TestRSSI(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CSQ\r\n": {"+CSQ: 15,99\r\n", "OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name  string
		value []string
		want  int
		err   error
	}{
		{
			"ok",
			nil,
			-83,
			nil,
		},
		{
			"garbled",
			[]string{"+CSQ: x,99\r\n", "OK\r\n"},
			0,
			walter.ErrMalformedResponse,
		},
		{
			"no info",
			[]string{"OK\r\n"},
			0,
			walter.ErrMalformedResponse,
		},
		{
			"error",
			[]string{"ERROR\r\n"},
			0,
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.value != nil {
				cmdSet["AT+CSQ\r\n"] = p.value
			}
			rssi, err := m.RSSI(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.want, rssi)
		}
		t.Run(p.name, f)
	}
}

func TestSignalQuality(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CESQ\r\n": {"+CESQ: 99,99,255,255,20,47\r\n", "OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name  string
		value []string
		want  *walter.SignalQuality
		err   error
	}{
		{
			"ok",
			nil,
			&walter.SignalQuality{RSRQ: -95, RSRP: -93},
			nil,
		},
		{
			"short",
			[]string{"+CESQ: 99,99\r\n", "OK\r\n"},
			nil,
			walter.ErrMalformedResponse,
		},
		{
			"garbled",
			[]string{"+CESQ: 99,99,255,255,x,47\r\n", "OK\r\n"},
			nil,
			walter.ErrMalformedResponse,
		},
		{
			"error",
			[]string{"ERROR\r\n"},
			nil,
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.value != nil {
				cmdSet["AT+CESQ\r\n"] = p.value
			}
			sq, err := m.SignalQuality(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.want, sq)
		}
		t.Run(p.name, f)
	}
}

func TestCellInfo(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+SQNMONI=0\r\n": {
			"+SQNMONI: TestNetCc:206 Nc:20 RSRP:-99.0 CINR:9.2 RSRQ:-12.5 TAC:1234 Id:55 EARFCN:6400 PWR:-85.5 PAGING:128 CID:00B0C10D BAND:20 BW:1400 CE:0\r\n",
			"OK\r\n",
		},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name  string
		value []string
		want  *walter.CellInfo
		err   error
	}{
		{
			"ok",
			nil,
			&walter.CellInfo{
				NetName: "TestNet",
				CC:      206,
				NC:      20,
				RSRP:    -99.0,
				CINR:    9.2,
				RSRQ:    -12.5,
				TAC:     1234,
				PCI:     55,
				EARFCN:  6400,
				RSSI:    -85.5,
				Paging:  128,
				CID:     0x00B0C10D,
				Band:    20,
				BW:      1400,
				CELevel: 0,
			},
			nil,
		},
		{
			"no info",
			[]string{"OK\r\n"},
			nil,
			walter.ErrMalformedResponse,
		},
		{
			"error",
			[]string{"ERROR\r\n"},
			nil,
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.value != nil {
				cmdSet["AT+SQNMONI=0\r\n"] = p.value
			}
			ci, err := m.CellInfo(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.want, ci)
		}
		t.Run(p.name, f)
	}
}

func TestOpState(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CFUN?\r\n": {"+CFUN: 1\r\n", "OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name  string
		value []string
		want  walter.OpState
		err   error
	}{
		{
			"full",
			nil,
			walter.OpFull,
			nil,
		},
		{
			"no RF",
			[]string{"+CFUN: 4\r\n", "OK\r\n"},
			walter.OpNoRF,
			nil,
		},
		{
			"garbled",
			[]string{"+CFUN: x\r\n", "OK\r\n"},
			walter.OpMinimum,
			walter.ErrMalformedResponse,
		},
		{
			"error",
			[]string{"ERROR\r\n"},
			walter.OpMinimum,
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.value != nil {
				cmdSet["AT+CFUN?\r\n"] = p.value
			}
			state, err := m.OpState(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.want, state)
		}
		t.Run(p.name, f)
	}
}

func TestSetOpState(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CFUN=1\r\n": {"OK\r\n"},
		"AT+CFUN=4\r\n": {"OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx := context.Background()
	assert.Nil(t, m.SetOpState(ctx, walter.OpFull))
	assert.Nil(t, m.SetOpState(ctx, walter.OpNoRF))
	assert.Equal(t, at.ErrError, m.SetOpState(ctx, walter.OpManufacturing))
}

func TestRadioTechnology(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+SQNMODEACTIVE?\r\n": {"+SQNMODEACTIVE: 2\r\n", "OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name  string
		value []string
		want  walter.Rat
		err   error
	}{
		{
			"NB-IoT",
			nil,
			walter.RatNBIoT,
			nil,
		},
		{
			"LTE-M",
			[]string{"+SQNMODEACTIVE: 1\r\n", "OK\r\n"},
			walter.RatLTEM,
			nil,
		},
		{
			"out of range",
			[]string{"+SQNMODEACTIVE: 0\r\n", "OK\r\n"},
			walter.RatLTEM,
			walter.ErrMalformedResponse,
		},
		{
			"error",
			[]string{"ERROR\r\n"},
			walter.RatLTEM,
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.value != nil {
				cmdSet["AT+SQNMODEACTIVE?\r\n"] = p.value
			}
			rat, err := m.RadioTechnology(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.want, rat)
		}
		t.Run(p.name, f)
	}
}

func TestSetRadioTechnology(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+SQNMODEACTIVE=1\r\n": {"OK\r\n"},
		"AT+SQNMODEACTIVE=2\r\n": {"OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx := context.Background()
	assert.Nil(t, m.SetRadioTechnology(ctx, walter.RatLTEM))
	assert.Nil(t, m.SetRadioTechnology(ctx, walter.RatNBIoT))
	assert.Equal(t, at.ErrError, m.SetRadioTechnology(ctx, walter.RatAuto))
}

func TestSIMState(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CPIN?\r\n": {"+CPIN: READY\r\n", "OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name  string
		value []string
		want  walter.SIMState
		err   error
	}{
		{
			"ready",
			nil,
			walter.SIMReady,
			nil,
		},
		{
			"pin required",
			[]string{"+CPIN: SIM PIN\r\n", "OK\r\n"},
			walter.SIMPINRequired,
			nil,
		},
		{
			"puk required",
			[]string{"+CPIN: SIM PUK\r\n", "OK\r\n"},
			walter.SIMPUKRequired,
			nil,
		},
		{
			"network pin required",
			[]string{"+CPIN: PH-NET PIN\r\n", "OK\r\n"},
			walter.SIMNetworkPINRequired,
			nil,
		},
		{
			"unknown state",
			[]string{"+CPIN: BOGUS\r\n", "OK\r\n"},
			walter.SIMReady,
			walter.ErrMalformedResponse,
		},
		{
			"error",
			[]string{"ERROR\r\n"},
			walter.SIMReady,
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.value != nil {
				cmdSet["AT+CPIN?\r\n"] = p.value
			}
			state, err := m.SIMState(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.want, state)
		}
		t.Run(p.name, f)
	}
}

func TestUnlock(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CPIN=1234\r\n": {"OK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx := context.Background()
	assert.Nil(t, m.Unlock(ctx, "1234"))
	assert.Equal(t, at.ErrError, m.Unlock(ctx, "0000"))
}

func TestRegistrationState(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r\n":       {"OK\r\n"},
		"AT^RESET\r\n": {"OK\r\n", "+SYSSTART\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx := context.Background()
	assert.Equal(t, walter.NotSearching, m.RegistrationState())

	// the indication is dispatched before the response to a subsequent
	// command, so the cache is current once the command returns.
	mm.r <- []byte("+CEREG: 5\r\n")
	require.Nil(t, m.CheckComm(ctx))
	assert.Equal(t, walter.RegisteredRoaming, m.RegistrationState())

	mm.r <- []byte("+CEREG: 1\r\n")
	require.Nil(t, m.CheckComm(ctx))
	assert.Equal(t, walter.RegisteredHome, m.RegistrationState())

	// reset returns the cache to default
	require.Nil(t, m.Reset(ctx))
	assert.Equal(t, walter.NotSearching, m.RegistrationState())

	mm.r <- []byte("+CEREG: 2\r\n")
	require.Nil(t, m.CheckComm(ctx))
	assert.Equal(t, walter.Searching, m.RegistrationState())

	go func() {
		time.Sleep(20 * time.Millisecond)
		mm.r <- []byte("+SYSSTART\r\n")
	}()
	wctx, wcancel := context.WithTimeout(ctx, time.Second)
	defer wcancel()
	require.Nil(t, m.WaitBoot(wctx))
	assert.Equal(t, walter.NotSearching, m.RegistrationState())
}

type mockModem struct {
	cmdSet map[string][]string
	echo   bool
	closed bool
	// The buffer emulating characters emitted by the modem.
	r chan []byte
}

func (m *mockModem) Read(p []byte) (n int, err error) {
	data, ok := <-m.r
	if data == nil {
		return 0, fmt.Errorf("closed")
	}
	copy(p, data) // assumes p is empty
	if !ok {
		return len(data), fmt.Errorf("closed with data")
	}
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, errors.New("closed")
	}
	if m.echo {
		m.r <- p
	}
	v := m.cmdSet[string(p)]
	if len(v) == 0 {
		m.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			if len(l) == 0 {
				continue
			}
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func (m *mockModem) Close() error {
	if m.closed == false {
		m.closed = true
		close(m.r)
	}
	return nil
}

func setupModem(t *testing.T, cmdSet map[string][]string) (*walter.Modem, *mockModem) {
	mm := &mockModem{cmdSet: cmdSet, echo: true, r: make(chan []byte, 10)}
	var modem io.ReadWriter = mm
	debug := false // set to true to enable tracing of the flow to the mockModem.
	if debug {
		l := log.New(os.Stdout, "", log.LstdFlags)
		modem = trace.New(modem, trace.WithLogger(l))
	}
	m := walter.New(modem)
	require.NotNil(t, m)
	return m, mm
}

func teardownModem(m *mockModem) {
	m.Close()
}
