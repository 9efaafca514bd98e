package telnet

import "fmt"

// Protocol command bytes.
const (
	cmdSE   = 240
	cmdSB   = 250
	cmdWILL = 251
	cmdWONT = 252
	cmdDO   = 253
	cmdDONT = 254
	cmdIAC  = 255
)

// Option codes this client negotiates.
const (
	OptEcho            = 1
	OptSuppressGoAhead = 3
)

// optState is the per-option, per-side negotiation state of the RFC 1143
// Q method.
type optState uint8

const (
	stateNo optState = iota
	stateYes
	stateWantYes
	stateWantNo
	stateWantYesOpposite
	stateWantNoOpposite
)

// optionPair tracks one option for both sides of the connection.
type optionPair struct {
	us  optState
	him optState
}

// negotiator runs option negotiation over a command writer. send is called
// with (command, option) pairs to emit; onUpdate is called whenever an
// option settles into an enabled or disabled state.
type negotiator struct {
	opts     map[byte]*optionPair
	send     func(cmd, opt byte)
	onUpdate func(opt byte, side side, enabled bool)
}

type side int

const (
	sideUs side = iota
	sideHim
)

func newNegotiator(send func(cmd, opt byte), onUpdate func(opt byte, side side, enabled bool)) *negotiator {
	return &negotiator{
		opts:     make(map[byte]*optionPair),
		send:     send,
		onUpdate: onUpdate,
	}
}

func (n *negotiator) pair(opt byte) *optionPair {
	p, ok := n.opts[opt]
	if !ok {
		p = &optionPair{}
		n.opts[opt] = p
	}
	return p
}

// state reports one side's current state for an option.
func (n *negotiator) state(opt byte, s side) optState {
	p := n.pair(opt)
	if s == sideUs {
		return p.us
	}
	return p.him
}

// RequestEnable starts enabling an option on one side: WILL for our half,
// DO for the server's.
func (n *negotiator) requestEnable(opt byte, s side) {
	p := n.pair(opt)
	st := &p.us
	cmd := byte(cmdWILL)
	if s == sideHim {
		st = &p.him
		cmd = cmdDO
	}
	switch *st {
	case stateNo:
		*st = stateWantYes
		n.send(cmd, opt)
	case stateWantNo:
		*st = stateWantNoOpposite
	case stateWantYesOpposite:
		*st = stateWantYes
	}
}

// handle processes an incoming negotiation command. WILL/WONT concern the
// server's half; DO/DONT concern ours.
func (n *negotiator) handle(cmd, opt byte) error {
	switch cmd {
	case cmdWILL, cmdWONT:
		return n.handleHim(cmd == cmdWILL, opt)
	case cmdDO, cmdDONT:
		return n.handleUs(cmd == cmdDO, opt)
	default:
		return fmt.Errorf("unexpected negotiation command %d", cmd)
	}
}

// handleHim reacts to WILL (enable=true) or WONT for the server's half.
func (n *negotiator) handleHim(enable bool, opt byte) error {
	p := n.pair(opt)
	if enable {
		switch p.him {
		case stateNo:
			if n.wantedByDefault(opt) {
				p.him = stateYes
				n.send(cmdDO, opt)
				n.notify(opt, sideHim, true)
			} else {
				n.send(cmdDONT, opt)
			}
		case stateYes:
			// Already enabled; ignore.
		case stateWantYes:
			p.him = stateYes
			n.notify(opt, sideHim, true)
		case stateWantNo:
			// Peer answered our disable request with WILL; treat the
			// option as disabled anyway per the Q method's error rule.
			p.him = stateNo
			n.notify(opt, sideHim, false)
		case stateWantYesOpposite:
			p.him = stateYes
			n.send(cmdDONT, opt)
			p.him = stateWantNo
		case stateWantNoOpposite:
			p.him = stateYes
			n.notify(opt, sideHim, true)
		}
	} else {
		switch p.him {
		case stateNo:
			// Already disabled; ignore.
		case stateYes:
			p.him = stateNo
			n.send(cmdDONT, opt)
			n.notify(opt, sideHim, false)
		case stateWantYes:
			p.him = stateNo
			n.notify(opt, sideHim, false)
		case stateWantNo:
			p.him = stateNo
			n.notify(opt, sideHim, false)
		case stateWantYesOpposite:
			p.him = stateNo
			n.notify(opt, sideHim, false)
		case stateWantNoOpposite:
			p.him = stateWantYes
			n.send(cmdDO, opt)
		}
	}
	return nil
}

// handleUs reacts to DO (enable=true) or DONT for our half.
func (n *negotiator) handleUs(enable bool, opt byte) error {
	p := n.pair(opt)
	if enable {
		switch p.us {
		case stateNo:
			if n.wantedByDefault(opt) {
				p.us = stateYes
				n.send(cmdWILL, opt)
				n.notify(opt, sideUs, true)
			} else {
				n.send(cmdWONT, opt)
			}
		case stateYes:
		case stateWantYes:
			p.us = stateYes
			n.notify(opt, sideUs, true)
		case stateWantNo:
			p.us = stateNo
			n.notify(opt, sideUs, false)
		case stateWantYesOpposite:
			p.us = stateYes
			n.send(cmdWONT, opt)
			p.us = stateWantNo
		case stateWantNoOpposite:
			p.us = stateYes
			n.notify(opt, sideUs, true)
		}
	} else {
		switch p.us {
		case stateNo:
		case stateYes:
			p.us = stateNo
			n.send(cmdWONT, opt)
			n.notify(opt, sideUs, false)
		case stateWantYes:
			p.us = stateNo
			n.notify(opt, sideUs, false)
		case stateWantNo:
			p.us = stateNo
			n.notify(opt, sideUs, false)
		case stateWantYesOpposite:
			p.us = stateNo
			n.notify(opt, sideUs, false)
		case stateWantNoOpposite:
			p.us = stateWantYes
			n.send(cmdWILL, opt)
		}
	}
	return nil
}

// wantedByDefault accepts peer-initiated enables for options we would have
// asked for anyway.
func (n *negotiator) wantedByDefault(opt byte) bool {
	return opt == OptSuppressGoAhead || opt == OptEcho
}

func (n *negotiator) notify(opt byte, s side, enabled bool) {
	if n.onUpdate != nil {
		n.onUpdate(opt, s, enabled)
	}
}
