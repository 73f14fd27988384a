// SPDX-License-Identifier: MIT

// Package at provides a low level driver for AT modems.
package at

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// AT represents a modem that can be managed using AT commands.
//
// Commands can be issued to the modem using the Command, DataCommand and
// WaitFor methods. Commands are queued and performed one at a time, in the
// order submitted.
//
// The AT closes the closed channel when the connection to the underlying
// modem is broken (Read returns EOF).
//
// When closed, all outstanding commands return ErrClosed and the state of the
// underlying modem becomes unknown.
//
// Once closed the AT cannot be re-opened - it must be recreated.
type AT struct {
	// channel for commands issued to the modem
	cmdCh chan func()

	// channel for changes to inds
	indCh chan func()

	// closed when modem is closed
	closed chan struct{}

	// channel for all tokens read from the modem
	iTokens chan token

	// channel for tokens read from the modem after indications removed
	cTokens chan token

	// the underlying modem
	modem io.ReadWriter

	// tokenizer state, shared with the reader goroutine
	tok *tokenizer

	// indications in registration order, first prefix match wins
	inds []indication // only modified in indLoop

	// default command timeout, applied when the ctx has no deadline
	cmdTimeout time.Duration

	// number of commands that may be queued before Command blocks callers
	depth int

	// upper bound on the length of armed raw chunks
	maxChunk int

	// the minimum time between a flush and the subsequent command
	guardTime time.Duration

	// commands issued by Init.
	initCmds []string

	// covers guard
	guardMu sync.Mutex

	// if not-nil, the time the subsequent command must wait while residual
	// input is drained
	guard <-chan time.Time

	// covers hooks
	hookMu sync.Mutex

	// run when a modem session restart is observed
	hooks []func()
}

// Option is a construction option for an AT.
type Option func(*AT)

// New creates a new AT modem.
func New(modem io.ReadWriter, options ...Option) *AT {
	a := &AT{
		modem:     modem,
		indCh:     make(chan func()),
		iTokens:   make(chan token),
		cTokens:   make(chan token),
		closed:    make(chan struct{}),
		tok:       &tokenizer{},
		depth:     8,
		maxChunk:  1500,
		guardTime: 20 * time.Millisecond,
	}
	for _, option := range options {
		option(a)
	}
	a.cmdCh = make(chan func(), a.depth)
	if a.initCmds == nil {
		a.initCmds = []string{
			"E0",      // disable command echo
			"+CMEE=1", // numeric CME errors
		}
	}
	go tokenReader(a.tok, a.modem, a.iTokens, a.maxChunk)
	go a.indLoop(a.indCh, a.iTokens, a.cTokens)
	go cmdLoop(a.cmdCh, a.cTokens, a.closed)
	return a
}

// WithTimeout sets the default command timeout.
//
// The default timeout is applied to commands issued with a context that
// carries no deadline. A zero timeout, the default, leaves such commands
// without a deadline.
func WithTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.cmdTimeout = d
	}
}

// WithGuardTime sets the guard time for the modem.
//
// The guard time is the minimum time between a flush being written to the
// modem and any subsequent commands, during which residual responses are
// drained.
//
// The default guard time is 20msec.
func WithGuardTime(d time.Duration) Option {
	return func(a *AT) {
		a.guardTime = d
	}
}

// WithQueueDepth sets the number of commands that may be pending before
// submissions fail with ErrQueueFull.
//
// The default depth is 8.
func WithQueueDepth(n int) Option {
	return func(a *AT) {
		a.depth = n
	}
}

// WithMaxChunk sets the upper bound on the length of raw data chunks.
//
// Chunks armed with a larger length are truncated to this bound.
// The default bound is 1500, the largest read the modem can return.
func WithMaxChunk(n int) Option {
	return func(a *AT) {
		a.maxChunk = n
	}
}

// InfoHandler receives indication info.
type InfoHandler func([]string)

// WithIndication adds an indication during construction.
func WithIndication(prefix string, handler InfoHandler, options ...IndicationOption) Option {
	ind := indication{
		prefix:  prefix,
		handler: handler,
		lines:   1,
	}
	for _, option := range options {
		option(&ind)
	}
	return func(a *AT) {
		a.inds = append(a.inds, ind)
	}
}

// WithInitCmds specifies the commands issued by Init.
//
// The default commands are ATE0 and AT+CMEE=1.
func WithInitCmds(cmds ...string) Option {
	return func(a *AT) {
		a.initCmds = cmds
	}
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// Response is the result of a command performed on the modem.
type Response struct {
	// Final is the terminal line that completed the command.
	Final string

	// Info is the collection of lines returned between the command and the
	// terminal line.
	Info []string

	// Chunk is the raw data chunk captured while the command was active.
	Chunk []byte
}

// Command issues the command to the modem and returns the result.
//
// The command should NOT include the AT prefix, nor <CR><LF> suffix which is
// automatically added.
//
// Commands are performed in the order submitted. If the queue of pending
// commands is full the command fails immediately with ErrQueueFull.
func (a *AT) Command(ctx context.Context, cmd string, options ...CommandOption) (*Response, error) {
	c := newCommand(cmd, options...)
	return a.submit(ctx, c)
}

// DataCommand issues a command with a binary payload to the modem, and
// returns the result.
//
// A data command is issued in two steps; first the command line:
//
//	AT<command><CR><LF>
//
// which the modem responds to with a ">" prompt, after which the payload is
// sent to the modem. The modem then completes the command as per other
// commands, such as those issued by Command.
//
// The payload is only written once the prompt has been received.
func (a *AT) DataCommand(ctx context.Context, cmd string, payload []byte, options ...CommandOption) (*Response, error) {
	c := newCommand(cmd, options...)
	c.payload = payload
	return a.submit(ctx, c)
}

// WaitFor awaits a line with the given prefix without writing to the modem.
//
// The wait occupies the command queue like any other command, so it cannot
// be confused by responses to earlier commands. It is typically used to
// await the boot banner after an externally triggered reset.
func (a *AT) WaitFor(ctx context.Context, prefix string, options ...CommandOption) (*Response, error) {
	c := newCommand("", options...)
	c.wait = true
	c.finals = []string{prefix}
	return a.submit(ctx, c)
}

func (a *AT) submit(ctx context.Context, c *command) (*Response, error) {
	done := make(chan response, 1)
	cmdf := func() {
		rsp, err := a.processReq(ctx, c)
		done <- response{rsp: rsp, err: err}
	}
	select {
	case <-a.closed:
		return nil, ErrClosed
	case a.cmdCh <- cmdf:
		select {
		case rsp := <-done:
			return rsp.rsp, rsp.err
		case <-a.closed:
			// a queued command that never ran fails closed, but one that
			// completed as the modem closed keeps its result
			select {
			case rsp := <-done:
				return rsp.rsp, rsp.err
			default:
				return nil, ErrClosed
			}
		}
	default:
		return nil, ErrQueueFull
	}
}

// AddIndication adds a handler for a set of lines beginning with the prefixed
// line and the following trailing lines.
//
// Handlers are called from the dispatch loop, in the order the lines were
// received, and may never be delayed by, or alter the result of, a command
// in progress. Handlers must return promptly and must not issue commands
// themselves.
func (a *AT) AddIndication(prefix string, handler InfoHandler, options ...IndicationOption) (err error) {
	ind := indication{
		prefix:  prefix,
		handler: handler,
		lines:   1,
	}
	for _, option := range options {
		option(&ind)
	}
	errs := make(chan error)
	indf := func() {
		for _, i := range a.inds {
			if i.prefix == ind.prefix {
				errs <- ErrIndicationExists
				return
			}
		}
		a.inds = append(a.inds, ind)
		close(errs)
	}
	select {
	case <-a.closed:
		err = ErrClosed
	case a.indCh <- indf:
		err = <-errs
	}
	return
}

// CancelIndication removes any indication corresponding to the prefix.
func (a *AT) CancelIndication(prefix string) {
	done := make(chan struct{})
	indf := func() {
		for i, ind := range a.inds {
			if ind.prefix == prefix {
				a.inds = append(a.inds[:i], a.inds[i+1:]...)
				break
			}
		}
		close(done)
	}
	select {
	case <-a.closed:
	case a.indCh <- indf:
		<-done
	}
}

// OnReset registers a hook to be run when a modem session restart is
// observed.
//
// Feature layers register hooks to return mirrored state to defaults, as a
// rebooted modem has forgotten any sockets or contexts they mirror.
func (a *AT) OnReset(hook func()) {
	a.hookMu.Lock()
	a.hooks = append(a.hooks, hook)
	a.hookMu.Unlock()
}

// NotifyReset runs the registered reset hooks.
//
// It is called by the device layer once a modem reboot has been observed.
// Running the hooks is idempotent - the hooks return state to defaults, so
// a second run with no intervening commands is a no-op.
func (a *AT) NotifyReset() {
	a.hookMu.Lock()
	hooks := make([]func(), len(a.hooks))
	copy(hooks, a.hooks)
	a.hookMu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Init initialises the modem to a known state.
//
// The Init is intended to be called after creation and before any other
// commands are issued in order to get the modem into a known state.
//
// The default init commands can be overridden by the cmds parameter.
func (a *AT) Init(ctx context.Context, cmds ...string) error {
	// flush any partial command from the modem's buffer and drain residual
	// responses
	a.flush()

	if cmds == nil {
		cmds = a.initCmds
	}
	for _, cmd := range cmds {
		_, err := a.Command(ctx, cmd)
		switch err {
		case nil:
		case context.DeadlineExceeded, context.Canceled:
			return err
		default:
			return fmt.Errorf("AT%s returned error: %w", cmd, err)
		}
	}
	return nil
}

// cmdLoop is responsible for the interface to the modem.
//
// It serialises the issuing of commands and awaits the responses.
// If no command is pending then any tokens received are discarded.
//
// The cmdLoop terminates when the downstream closes.
func cmdLoop(cmds chan func(), in <-chan token, out chan struct{}) {
	for {
		select {
		case cmd := <-cmds:
			cmd()
		case _, ok := <-in:
			if !ok {
				close(out)
				return
			}
		}
	}
}

// indLoop is responsible for pulling indications from the stream of tokens
// read from the modem, and forwarding them to handlers.
//
// Non-indication tokens are passed upstream. Indication trailing lines are
// assumed to arrive in a contiguous block immediately after the indication.
//
// indLoop exits when the in channel closes.
func (a *AT) indLoop(cmds chan func(), in <-chan token, out chan token) {
	defer close(out)
	for {
		select {
		case cmd := <-cmds:
			cmd()
		case t, ok := <-in:
			if !ok {
				return
			}
			if t.kind != tokenLine {
				out <- t
				continue
			}
			line := string(t.data)
			handled := false
			for _, ind := range a.inds {
				if strings.HasPrefix(line, ind.prefix) {
					n := make([]string, ind.lines)
					n[0] = line
					for i := 1; i < ind.lines; i++ {
						t, ok := <-in
						if !ok {
							return
						}
						n[i] = string(t.data)
					}
					ind.handler(n)
					handled = true
					break
				}
			}
			if !handled {
				out <- t
			}
		}
	}
}

func (a *AT) processReq(ctx context.Context, c *command) (rsp *Response, err error) {
	if a.cmdTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.cmdTimeout)
			defer cancel()
		}
	}
	if err = ctx.Err(); err != nil {
		c.complete(nil, err)
		return nil, err
	}
	a.waitGuard()
	if c.chunkSize > 0 {
		size := c.chunkSize
		if size > a.maxChunk {
			size = a.maxChunk
		}
		a.tok.arm(c.chunkPrefix, size)
		defer a.tok.disarm()
	}
	if !c.wait {
		if err = a.writeCommand(c.cmd); err != nil {
			c.complete(nil, err)
			return nil, err
		}
	}
	rsp = &Response{}
	sent := false
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			c.complete(nil, err)
			return nil, err
		case t, ok := <-a.cTokens:
			if !ok {
				c.complete(nil, ErrClosed)
				return nil, ErrClosed
			}
			switch t.kind {
			case tokenPrompt:
				if c.payload != nil && !sent {
					if err = a.writePayload(c.payload); err != nil {
						c.complete(nil, err)
						return nil, err
					}
					sent = true
				}
			case tokenChunk:
				rsp.Chunk = t.data
			default:
				line := string(t.data)
				if line == "" {
					continue
				}
				done, perr := processRxLine(c, rsp, line)
				if perr != nil {
					c.complete(rsp, perr)
					return rsp, perr
				}
				if done {
					c.complete(rsp, nil)
					return rsp, nil
				}
			}
		}
	}
}

// processRxLine parses a line received from the modem and determines how it
// adds to the response for the current command.
//
// The completion handler, if any, is NOT called here - the caller completes
// the command once the terminal line has been folded into the response.
func processRxLine(c *command, rsp *Response, line string) (done bool, err error) {
	switch c.parseRxLine(line) {
	case rxlStatusOK:
		rsp.Final = line
		done = true
	case rxlStatusFailed:
		rsp.Final = line
		err = FailureError(line)
	case rxlStatusError:
		rsp.Final = line
		err = newError(line)
	case rxlInfo:
		rsp.Info = append(rsp.Info, line)
	}
	return
}

// flush writes a CR/LF to terminate any partial command held by the modem.
func (a *AT) flush() {
	a.modem.Write([]byte("\r\n"))
	a.startGuard()
}

// startGuard starts a guard that prevents a subsequent command write within
// a short period of time (default 20ms).
func (a *AT) startGuard() {
	a.guardMu.Lock()
	a.guard = time.After(a.guardTime)
	a.guardMu.Unlock()
}

// waitGuard waits for the guard to allow a write to the modem, draining any
// residual responses in the meantime.
func (a *AT) waitGuard() {
	a.guardMu.Lock()
	defer a.guardMu.Unlock()
	if a.guard == nil {
		return
	}
	for {
		select {
		case _, ok := <-a.cTokens:
			if !ok {
				return
			}
		case <-a.guard:
			a.guard = nil
			return
		}
	}
}

// writeCommand writes a one line command to the modem.
func (a *AT) writeCommand(cmd string) error {
	cmdLine := "AT" + cmd + "\r\n"
	_, err := a.modem.Write([]byte(cmdLine))
	return err
}

// writePayload writes the payload of a data command to the modem.
func (a *AT) writePayload(payload []byte) error {
	data := make([]byte, 0, len(payload)+2)
	data = append(data, payload...)
	data = append(data, '\r', '\n')
	_, err := a.modem.Write(data)
	return err
}

// CMEError indicates a CME Error was returned by the modem.
//
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMEError string

// FailureError indicates the modem returned a line matching one of the
// failure prefixes declared for the command.
//
// The value of the error is the line returned by the modem.
type FailureError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e FailureError) Error() string {
	return string(e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the modem has
	// been closed.
	ErrClosed = errors.New("closed")

	// ErrError indicates the modem returned a generic AT ERROR in response to
	// an operation.
	ErrError = errors.New("ERROR")

	// ErrQueueFull indicates a command could not be queued as the queue of
	// pending commands is full.
	ErrQueueFull = errors.New("command queue full")

	// ErrIndicationExists indicates there is already a indication registered
	// for a prefix.
	ErrIndicationExists = errors.New("indication exists")
)

// newError parses a line and creates an error corresponding to the content.
func newError(line string) error {
	var err error
	switch {
	case strings.HasPrefix(line, "ERROR"):
		err = ErrError
	case strings.HasPrefix(line, "+CME ERROR:"):
		err = CMEError(strings.TrimSpace(line[11:]))
	}
	return err
}

// response represents the result of a request operation performed on the
// modem.
type response struct {
	rsp *Response
	err error
}

// command holds the state of a single request to be performed on the modem.
type command struct {
	// the command line, without the AT prefix or CR/LF suffix
	cmd string

	// payload written after the prompt, nil for plain commands
	payload []byte

	// line prefixes treated as a successful terminal response
	finals []string

	// line prefixes treated as a failed terminal response
	failures []string

	// prefix of the header line announcing a raw chunk
	chunkPrefix string

	// length of the expected raw chunk
	chunkSize int

	// called with the result before the caller resumes
	completion func(*Response, error)

	// await a final line without writing to the modem
	wait bool
}

// CommandOption modifies a single command performed on the modem.
type CommandOption func(*command)

func newCommand(cmd string, options ...CommandOption) *command {
	c := command{
		cmd:    cmd,
		finals: []string{"OK"},
	}
	for _, option := range options {
		option(&c)
	}
	return &c
}

func (c *command) complete(rsp *Response, err error) {
	if c.completion != nil {
		c.completion(rsp, err)
	}
}

// WithFinalResponse sets the line prefixes treated as a successful terminal
// response for the command.
//
// The default is "OK". Commands such as AT+SQNCOAPCREATE complete with a
// dedicated line instead.
func WithFinalResponse(prefixes ...string) CommandOption {
	return func(c *command) {
		c.finals = prefixes
	}
}

// WithFailureResponse sets line prefixes treated as a failed terminal
// response for the command, in addition to ERROR and +CME ERROR.
//
// Failure prefixes are matched before success prefixes.
func WithFailureResponse(prefixes ...string) CommandOption {
	return func(c *command) {
		c.failures = prefixes
	}
}

// WithRawChunk declares that a line with the header prefix announces a raw
// data chunk of the given length, to be captured into the response.
//
// The length is capped at the maximum chunk length for the modem. The chunk
// is consumed as data, so CR or LF bytes within it are never taken as line
// terminators.
func WithRawChunk(header string, length int) CommandOption {
	return func(c *command) {
		c.chunkPrefix = header
		c.chunkSize = length
	}
}

// WithCompletion sets a handler invoked with the command result on the
// command loop, before the caller resumes.
//
// Feature layers use completion handlers to update mirrored state, so a
// caller can never observe a successful command before its effect on the
// mirror. Handlers must not issue commands themselves.
func WithCompletion(handler func(*Response, error)) CommandOption {
	return func(c *command) {
		c.completion = handler
	}
}

// Received line types.
type rxl int

const (
	rxlInfo rxl = iota
	rxlEchoCmdLine
	rxlStatusOK
	rxlStatusFailed
	rxlStatusError
)

// parseRxLine parses a received line and identifies the line type.
func (c *command) parseRxLine(line string) rxl {
	for _, p := range c.failures {
		if strings.HasPrefix(line, p) {
			return rxlStatusFailed
		}
	}
	switch {
	case strings.HasPrefix(line, "ERROR"),
		strings.HasPrefix(line, "+CME ERROR:"):
		return rxlStatusError
	}
	for _, p := range c.finals {
		if strings.HasPrefix(line, p) {
			return rxlStatusOK
		}
	}
	if strings.HasPrefix(line, "AT"+c.cmd) {
		// echoed command line
		return rxlEchoCmdLine
	}
	if c.payload != nil && strings.HasPrefix(line, string(c.payload)) {
		// echoed payload
		return rxlEchoCmdLine
	}
	return rxlInfo
}

// indication represents an unsolicited result code (URC) from the modem, such
// as a socket ring or a network initiated close.
//
// Indications are lines prefixed with a particular pattern, and may include a
// number of trailing lines. The matching lines are bundled into a slice and
// sent to the handler.
type indication struct {
	prefix  string
	lines   int
	handler InfoHandler
}

// IndicationOption alters the behavior of the indication.
type IndicationOption func(*indication)

// WithTrailingLines indicates the indication includes a number of lines after
// the line containing the indication.
func WithTrailingLines(l int) func(*indication) {
	return func(ind *indication) {
		ind.lines = l + 1
	}
}

// WithTrailingLine indicates the indication includes one line after the line
// containing the indication.
var WithTrailingLine = WithTrailingLines(1)
