// Package telnet implements the line-oriented TCP control protocol used to
// drive the target-control daemon: option negotiation, prompt detection and
// strictly serialized command execution.
package telnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the client's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

var (
	// ErrBusy is returned when a command is already in flight.
	ErrBusy = errors.New("another command is in progress")
	// ErrNotConnected is returned for operations on a closed client.
	ErrNotConnected = errors.New("not connected")
	// ErrDisconnected interrupts waiters when the session closes.
	ErrDisconnected = errors.New("connection closed")
	// ErrCommandTimeout is returned when the shell prompt does not come
	// back in time.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrOptionRefused is returned when the peer refuses an option the
	// session cannot work without.
	ErrOptionRefused = errors.New("required protocol option refused")
)

// Options configure one session.
type Options struct {
	// Prompts consumed during session setup, in order. LoginPrompt and
	// PasswordPrompt may be empty for daemons without authentication;
	// ShellPrompt is required.
	LoginPrompt    string
	PasswordPrompt string
	ShellPrompt    string

	User     string
	Password string

	// EnableEcho requests that the server echo our input.
	EnableEcho bool
	// SuppressGoAhead negotiates SUPPRESS-GO-AHEAD on both halves.
	// Refusal is fatal to the session.
	SuppressGoAhead bool

	ConnectTimeout time.Duration
	ExecTimeout    time.Duration
	LineTimeout    time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 5 * time.Second
	}
	if out.ExecTimeout == 0 {
		out.ExecTimeout = 10 * time.Second
	}
	if out.LineTimeout == 0 {
		out.LineTimeout = 10 * time.Second
	}
	return out
}

type promptKind int

const (
	promptLogin promptKind = iota
	promptPassword
	promptShell
)

// execPending is one in-flight command.
type execPending struct {
	cmd   string
	lines []string
	done  chan struct{}
	body  string
	err   error
}

// Client is a control-protocol session. All exported methods are safe for
// concurrent use; command execution itself is strictly serialized.
type Client struct {
	opts Options
	conn net.Conn
	log  zerolog.Logger

	// OnLine receives output lines seen outside command execution. Set
	// before Connect returns the client to callers.
	OnLine func(string)

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	pending *execPending
	fatal   error

	neg     *negotiator
	parser  *parser
	lineBuf []byte

	prompts chan promptKind
	done    chan struct{}
	once    sync.Once
}

// Connect establishes a session: TCP dial, option negotiation, prompt
// sequence.
func Connect(ctx context.Context, addr string, opts Options, log zerolog.Logger) (*Client, error) {
	opts = opts.withDefaults()
	if opts.ShellPrompt == "" {
		return nil, errors.New("shell prompt is required")
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c := &Client{
		opts:    opts,
		conn:    conn,
		log:     log,
		state:   StateConnecting,
		prompts: make(chan promptKind, 8),
		done:    make(chan struct{}),
	}
	c.neg = newNegotiator(c.sendOption, c.optionUpdate)
	c.parser = &parser{onText: c.textByte, onCommand: c.command}

	go c.readLoop()

	if opts.SuppressGoAhead {
		c.neg.requestEnable(OptSuppressGoAhead, sideUs)
		c.neg.requestEnable(OptSuppressGoAhead, sideHim)
	}
	if opts.EnableEcho {
		c.neg.requestEnable(OptEcho, sideHim)
	}

	if err := c.consumeStartupPrompts(ctx); err != nil {
		c.Disconnect()
		return nil, err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	return c, nil
}

// consumeStartupPrompts answers the login and password prompts when
// configured and waits for the first shell prompt.
func (c *Client) consumeStartupPrompts(ctx context.Context) error {
	expect := []struct {
		kind  promptKind
		reply string
		want  bool
	}{
		{promptLogin, c.opts.User, c.opts.LoginPrompt != ""},
		{promptPassword, c.opts.Password, c.opts.PasswordPrompt != ""},
		{promptShell, "", true},
	}

	for _, step := range expect {
		if !step.want {
			continue
		}
		timer := time.NewTimer(c.opts.LineTimeout)
		select {
		case kind := <-c.prompts:
			timer.Stop()
			if kind != step.kind {
				return fmt.Errorf("unexpected prompt during session setup")
			}
			if kind != promptShell {
				if err := c.writeLine(step.reply); err != nil {
					return err
				}
			}
		case <-timer.C:
			return fmt.Errorf("timed out waiting for prompt")
		case <-c.done:
			timer.Stop()
			return c.closeError()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// State reports the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Idle reports whether the session is connected with no command in
// flight.
func (c *Client) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.pending == nil
}

// Exec writes one command and collects its response up to the next shell
// prompt. A zero timeout uses the configured default. Concurrent calls are
// rejected, not queued.
func (c *Client) Exec(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = c.opts.ExecTimeout
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	if c.pending != nil {
		c.mu.Unlock()
		return "", ErrBusy
	}
	p := &execPending{cmd: cmd, done: make(chan struct{})}
	c.pending = p
	c.mu.Unlock()

	if err := c.writeLine(cmd); err != nil {
		c.clearPending(p)
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.body, p.err
	case <-timer.C:
		c.clearPending(p)
		return "", fmt.Errorf("%w: %q after %s", ErrCommandTimeout, cmd, timeout)
	case <-ctx.Done():
		c.clearPending(p)
		return "", ctx.Err()
	}
}

func (c *Client) clearPending(p *execPending) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

// Disconnect tears the session down. It interrupts any pending command
// with a disconnect error and is safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes the session once, recording the cause when there is
// one.
func (c *Client) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnecting
		c.fatal = cause
		p := c.pending
		c.pending = nil
		c.mu.Unlock()

		c.conn.Close()
		if p != nil {
			p.err = c.closeError()
			close(p.done)
		}
		close(c.done)

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
	})
}

func (c *Client) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	return ErrDisconnected
}

// readLoop parses the inbound stream until the connection closes.
func (c *Client) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.parser.feed(buf[:n])
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug().Err(err).Msg("control connection closed")
			}
			c.shutdown(nil)
			return
		}
	}
}

// textByte accumulates stream text, emitting lines and prompt sightings.
func (c *Client) textByte(b byte) {
	if b == '\n' {
		line := string(c.lineBuf)
		c.lineBuf = c.lineBuf[:0]
		c.handleLine(line)
		return
	}
	c.lineBuf = append(c.lineBuf, b)
	c.checkPrompt()
}

// checkPrompt matches the partial line against the configured prompts,
// which arrive without a newline.
func (c *Client) checkPrompt() {
	type probe struct {
		text string
		kind promptKind
	}
	for _, pr := range []probe{
		{c.opts.ShellPrompt, promptShell},
		{c.opts.LoginPrompt, promptLogin},
		{c.opts.PasswordPrompt, promptPassword},
	} {
		if pr.text == "" || !bytes.HasSuffix(c.lineBuf, []byte(pr.text)) {
			continue
		}
		c.lineBuf = c.lineBuf[:0]
		c.handlePrompt(pr.kind)
		return
	}
}

func (c *Client) handlePrompt(kind promptKind) {
	if kind == promptShell {
		c.mu.Lock()
		p := c.pending
		c.pending = nil
		c.mu.Unlock()
		if p != nil {
			p.body = finishResponse(p.cmd, p.lines)
			close(p.done)
			return
		}
	}
	select {
	case c.prompts <- kind:
	default:
	}
}

func (c *Client) handleLine(line string) {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p != nil {
		p.lines = append(p.lines, line)
		return
	}
	if c.OnLine != nil {
		c.OnLine(line)
	}
}

// command feeds negotiation commands into the option state machine.
func (c *Client) command(cmd, opt byte) {
	if err := c.neg.handle(cmd, opt); err != nil {
		c.log.Debug().Err(err).Msg("bad negotiation command")
	}
}

// optionUpdate reacts to settled option states. Loss of
// SUPPRESS-GO-AHEAD on either half is fatal.
func (c *Client) optionUpdate(opt byte, s side, enabled bool) {
	if opt == OptSuppressGoAhead && c.opts.SuppressGoAhead && !enabled {
		c.shutdown(fmt.Errorf("%w: SUPPRESS-GO-AHEAD", ErrOptionRefused))
	}
}

func (c *Client) sendOption(cmd, opt byte) {
	c.write([]byte{cmdIAC, cmd, opt})
}

func (c *Client) writeLine(s string) error {
	return c.write([]byte(s + "\r\n"))
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("control connection write: %w", err)
	}
	return nil
}

// finishResponse post-processes collected response lines: the command echo
// is dropped, backspaces are applied, lines are trimmed of whitespace and
// non-printable characters, and empty lines are removed.
func finishResponse(cmd string, lines []string) string {
	var out []string
	for i, line := range lines {
		line = cleanLine(applyBackspaces(line))
		if line == "" {
			continue
		}
		if i == 0 && line == strings.TrimSpace(cmd) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// applyBackspaces resolves in-band BS characters by deleting the
// preceding character.
func applyBackspaces(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '\b' {
			if len(b) > 0 {
				b = b[:len(b)-1]
			}
			continue
		}
		b = append(b, s[i])
	}
	return string(b)
}

// cleanLine trims whitespace and strips remaining non-printable bytes.
func cleanLine(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 0x20 && c != 0x7F {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}
