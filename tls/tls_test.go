// SPDX-License-Identifier: MIT

//
// Test suite for the tls module.
//
// Note that these tests provide a mockModem which does not attempt to emulate
// a GM02SP, but which provides responses required to exercise tls.go So,
// while the commands may follow the structure of the AT protocol they most
// certainly are not AT commands - just patterns that elicit the behaviour
// required for the test.

package tls_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/FoxyHunter7/walter-modem/tls"
	"github.com/FoxyHunter7/walter-modem/trace"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	mm := mockModem{cmdSet: nil, r: make(chan []byte, 10)}
	defer teardownModem(&mm)
	a := at.New(&mm)
	require.NotNil(t, a)
	tt := tls.New(a)
	require.NotNil(t, tt)
}

func TestConfigProfile(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+SQNSPCFG=2,2,\"\",1,,,,\"\",\"\",0,0,0\r\n":    {"OK\r\n"},
		"AT+SQNSPCFG=1,3,\"\",5,5,6,7,\"\",\"\",0,0,0\r\n": {"OK\r\n"},
		"AT+SQNSPCFG=4,2,\"\",0,,,,\"\",\"\",0,0,0\r\n":    {"ERROR\r\n"},
	}
	_, tt, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name       string
		id         int
		version    tls.Version
		validation tls.Validation
		options    []tls.ConfigOption
		want       string
		err        error
	}{
		{
			"vanilla",
			2,
			tls.Version12,
			tls.ValidationCA,
			nil,
			"AT+SQNSPCFG=2,2,\"\",1,,,,\"\",\"\",0,0,0\r\n",
			nil,
		},
		{
			"credentials",
			1,
			tls.Version13,
			tls.ValidationURLAndCA,
			[]tls.ConfigOption{tls.WithCA(5), tls.WithClientCert(6), tls.WithPrivateKey(7)},
			"AT+SQNSPCFG=1,3,\"\",5,5,6,7,\"\",\"\",0,0,0\r\n",
			nil,
		},
		{
			"id low",
			0,
			tls.Version12,
			tls.ValidationNone,
			nil,
			"",
			tls.ErrNoSuchProfile,
		},
		{
			"id high",
			7,
			tls.Version12,
			tls.ValidationNone,
			nil,
			"",
			tls.ErrNoSuchProfile,
		},
		{
			"slot high",
			3,
			tls.Version12,
			tls.ValidationCA,
			[]tls.ConfigOption{tls.WithCA(20)},
			"",
			tls.ErrNoSuchSlot,
		},
		{
			"error",
			4,
			tls.Version12,
			tls.ValidationNone,
			nil,
			"AT+SQNSPCFG=4,2,\"\",0,,,,\"\",\"\",0,0,0\r\n",
			at.ErrError,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			before := len(mm.writes())
			err := tt.ConfigProfile(context.Background(), p.id, p.version, p.validation, p.options...)
			assert.Equal(t, p.err, err)
			w := mm.writes()[before:]
			if p.want == "" {
				// validation failures never reach the modem
				assert.Empty(t, w)
			} else {
				assert.Equal(t, []string{p.want}, w)
			}
		}
		t.Run(p.name, f)
	}
}

func TestWriteCredential(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+SQNSNVW=\"certificate\",3,7\r\n": {"\r\n> "},
		"AT+SQNSNVW=\"privatekey\",0,3\r\n":  {"\r\n> "},
		"PEMDATA\r\n":                        {"\r\nOK\r\n"},
		"KEY\r\n":                            {"\r\nOK\r\n"},
	}
	_, tt, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	patterns := []struct {
		name string
		kind tls.Kind
		slot int
		data []byte
		want []string
		err  error
	}{
		{
			"certificate",
			tls.Certificate,
			3,
			[]byte("PEMDATA"),
			[]string{"AT+SQNSNVW=\"certificate\",3,7\r\n", "PEMDATA\r\n"},
			nil,
		},
		{
			"private key",
			tls.PrivateKey,
			0,
			[]byte("KEY"),
			[]string{"AT+SQNSNVW=\"privatekey\",0,3\r\n", "KEY\r\n"},
			nil,
		},
		{
			"slot low",
			tls.Certificate,
			-1,
			[]byte("PEMDATA"),
			nil,
			tls.ErrNoSuchSlot,
		},
		{
			"slot high",
			tls.Certificate,
			20,
			[]byte("PEMDATA"),
			nil,
			tls.ErrNoSuchSlot,
		},
		{
			"unknown kind",
			tls.Kind("passphrase"),
			3,
			[]byte("PEMDATA"),
			nil,
			tls.ErrUnknownKind,
		},
		{
			"empty",
			tls.Certificate,
			3,
			nil,
			nil,
			tls.ErrEmptyCredential,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			before := len(mm.writes())
			err := tt.WriteCredential(context.Background(), p.kind, p.slot, p.data)
			assert.Equal(t, p.err, err)
			w := mm.writes()[before:]
			if p.want == nil {
				assert.Empty(t, w)
			} else {
				// the payload is only written after the prompt
				assert.Equal(t, p.want, w)
			}
		}
		t.Run(p.name, f)
	}
}

func TestDeleteCredential(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+SQNSNVW=\"certificate\",3,0\r\n": {"OK\r\n"},
	}
	_, tt, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx := context.Background()
	assert.Nil(t, tt.DeleteCredential(ctx, tls.Certificate, 3))
	// the erase is a plain command with no payload phase
	assert.Equal(t, []string{"AT+SQNSNVW=\"certificate\",3,0\r\n"}, mm.writes())

	assert.Equal(t, tls.ErrNoSuchSlot, tt.DeleteCredential(ctx, tls.Certificate, 20))
	assert.Equal(t, tls.ErrUnknownKind, tt.DeleteCredential(ctx, tls.Kind("passphrase"), 3))
	assert.Equal(t, at.ErrError, tt.DeleteCredential(ctx, tls.PrivateKey, 3))
}

func TestConfigured(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+SQNSPCFG=2,2,\"\",1,,,,\"\",\"\",0,0,0\r\n": {"OK\r\n"},
	}
	a, tt, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	for id := 0; id <= 7; id++ {
		assert.False(t, tt.Configured(id), "profile %d", id)
	}

	require.Nil(t, tt.ConfigProfile(context.Background(), 2, tls.Version12, tls.ValidationCA))
	assert.True(t, tt.Configured(2))
	assert.False(t, tt.Configured(1))

	// a reset returns the mirror to defaults, idempotently
	a.NotifyReset()
	assert.False(t, tt.Configured(2))
	a.NotifyReset()
	assert.False(t, tt.Configured(2))
}

type mockModem struct {
	cmdSet  map[string][]string
	echo    bool
	closed  bool
	wMu     sync.Mutex
	written []string
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
	m.wMu.Lock()
	m.written = append(m.written, string(p))
	m.wMu.Unlock()
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

func (m *mockModem) writes() []string {
	m.wMu.Lock()
	defer m.wMu.Unlock()
	w := make([]string, len(m.written))
	copy(w, m.written)
	return w
}

func setupModem(t *testing.T, cmdSet map[string][]string) (*at.AT, *tls.TLS, *mockModem) {
	mm := &mockModem{cmdSet: cmdSet, echo: true, r: make(chan []byte, 10)}
	var modem io.ReadWriter = mm
	debug := false // set to true to enable tracing of the flow to the mockModem.
	if debug {
		l := log.New(os.Stdout, "", log.LstdFlags)
		modem = trace.New(modem, trace.WithLogger(l))
	}
	a := at.New(modem)
	require.NotNil(t, a)
	tt := tls.New(a)
	require.NotNil(t, tt)
	return a, tt, mm
}

func teardownModem(m *mockModem) {
	m.Close()
}
