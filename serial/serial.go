// SPDX-License-Identifier: MIT

// Package serial provides the serial port connecting the host to the modem.
package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Config contains the configuration of the serial port.
type Config struct {
	port    string
	baud    int
	timeout time.Duration
}

// Option modifies the Config.
type Option func(*Config)

// New creates the serial port, which provides the io.ReadWriteCloser
// connected to the modem.
//
// The default port name and baud rate suit the Walter board connected over
// USB, and depend on the platform.
func New(options ...Option) (*serial.Port, error) {
	c := defaultConfig
	for _, option := range options {
		option(&c)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        c.port,
		Baud:        c.baud,
		ReadTimeout: c.timeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WithPort sets the name of the serial port device.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate of the serial port.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// WithReadTimeout sets the read timeout of the serial port.
//
// By default reads block until at least one byte is available.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.timeout = d
	}
}
