package openocd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/telnet"
)

// DefaultExecutable is the target-control daemon binary, resolved via
// PATH.
const DefaultExecutable = "openocd"

// startupTimeout bounds the wait for the daemon's control port to come up.
const startupTimeout = 10 * time.Second

// stopGracePeriod bounds the wait for a daemon to exit after shutdown.
const stopGracePeriod = 5 * time.Second

var (
	// ErrDaemonStartTimeout is returned when the control port never
	// opens.
	ErrDaemonStartTimeout = errors.New("daemon did not start in time")
	// ErrDaemonExited is returned when the daemon dies while it should
	// be serving.
	ErrDaemonExited = errors.New("daemon exited unexpectedly")
)

// daemonState is the subprocess lifecycle state.
type daemonState int

const (
	daemonStopped daemonState = iota
	daemonStarting
	daemonRunning
	daemonStopping
)

// restartThrottle enforces a minimum idle interval between stopping one
// daemon and starting the next on the same adapter, to keep the adapter's
// USB interface from flapping.
type restartThrottle struct {
	mu       sync.Mutex
	lastStop time.Time
}

func (t *restartThrottle) noteStop() {
	t.mu.Lock()
	t.lastStop = time.Now()
	t.mu.Unlock()
}

// wait sleeps out the remaining throttle interval, randomized between one
// and three seconds.
func (t *restartThrottle) wait(ctx context.Context) error {
	t.mu.Lock()
	last := t.lastStop
	t.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	interval := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
	remaining := time.Until(last.Add(interval))
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Daemon is one target-control daemon subprocess.
type Daemon struct {
	executable string
	args       []string
	port       int
	log        zerolog.Logger

	mu     sync.Mutex
	state  daemonState
	cmd    *exec.Cmd
	exited chan error
}

func newDaemon(executable string, args []string, port int, log zerolog.Logger) *Daemon {
	if executable == "" {
		executable = DefaultExecutable
	}
	return &Daemon{executable: executable, args: args, port: port, log: log}
}

// Addr is the daemon's control endpoint.
func (d *Daemon) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", d.port)
}

// Start spawns the daemon and waits for its control port to accept
// connections.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != daemonStopped {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.state = daemonStarting

	cmd := exec.Command(d.executable, d.args...)
	if err := cmd.Start(); err != nil {
		d.state = daemonStopped
		d.mu.Unlock()
		return fmt.Errorf("starting %s: %w", d.executable, err)
	}
	d.cmd = cmd
	d.exited = make(chan error, 1)
	exited := d.exited
	d.mu.Unlock()

	go func() {
		exited <- cmd.Wait()
	}()

	d.log.Debug().Strs("args", d.args).Int("port", d.port).Msg("daemon starting")

	deadline := time.Now().Add(startupTimeout)
	for {
		conn, err := net.DialTimeout("tcp", d.Addr(), time.Second)
		if err == nil {
			conn.Close()
			d.mu.Lock()
			d.state = daemonRunning
			d.mu.Unlock()
			return nil
		}
		select {
		case werr := <-exited:
			d.mu.Lock()
			d.state = daemonStopped
			d.cmd = nil
			d.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrDaemonExited, werr)
		case <-ctx.Done():
			d.abortStart(exited)
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			d.abortStart(exited)
			return fmt.Errorf("%w (port %d)", ErrDaemonStartTimeout, d.port)
		}
	}
}

// Running reports whether the daemon is serving.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == daemonRunning
}

// Exited signals the daemon's death with its wait error.
func (d *Daemon) Exited() <-chan error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// Stop terminates the daemon. When the control client is connected and
// idle the daemon is asked to shut itself down; otherwise it is killed.
// Stop always waits for the process to exit.
func (d *Daemon) Stop(ctx context.Context, client *telnet.Client) error {
	d.mu.Lock()
	if d.state != daemonRunning && d.state != daemonStarting {
		d.mu.Unlock()
		return nil
	}
	d.state = daemonStopping
	exited := d.exited
	d.mu.Unlock()

	graceful := false
	if client != nil && client.Idle() {
		if _, err := client.Exec(ctx, "shutdown", 2*time.Second); err == nil ||
			errors.Is(err, telnet.ErrDisconnected) {
			graceful = true
		}
		client.Disconnect()
	}
	if !graceful {
		d.kill()
	}

	select {
	case <-exited:
	case <-time.After(stopGracePeriod):
		d.kill()
		<-exited
	}

	d.mu.Lock()
	d.state = daemonStopped
	d.cmd = nil
	d.mu.Unlock()
	return nil
}

// abortStart kills a daemon that never came up and reaps it.
func (d *Daemon) abortStart(exited <-chan error) {
	d.kill()
	<-exited
	d.mu.Lock()
	d.state = daemonStopped
	d.cmd = nil
	d.mu.Unlock()
}

func (d *Daemon) kill() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}
