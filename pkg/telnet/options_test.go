package telnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type negRecorder struct {
	sent    [][2]byte
	updates []struct {
		opt     byte
		side    side
		enabled bool
	}
}

func newTestNegotiator() (*negotiator, *negRecorder) {
	rec := &negRecorder{}
	n := newNegotiator(
		func(cmd, opt byte) { rec.sent = append(rec.sent, [2]byte{cmd, opt}) },
		func(opt byte, s side, enabled bool) {
			rec.updates = append(rec.updates, struct {
				opt     byte
				side    side
				enabled bool
			}{opt, s, enabled})
		},
	)
	return n, rec
}

func TestNegotiateRequestThenAccept(t *testing.T) {
	n, rec := newTestNegotiator()

	n.requestEnable(OptSuppressGoAhead, sideHim)
	assert.Equal(t, [][2]byte{{cmdDO, OptSuppressGoAhead}}, rec.sent)
	assert.Equal(t, stateWantYes, n.state(OptSuppressGoAhead, sideHim))

	n.handle(cmdWILL, OptSuppressGoAhead)
	assert.Equal(t, stateYes, n.state(OptSuppressGoAhead, sideHim))
	assert.Len(t, rec.updates, 1)
	assert.True(t, rec.updates[0].enabled)
}

func TestNegotiateRequestThenRefuse(t *testing.T) {
	n, rec := newTestNegotiator()

	n.requestEnable(OptSuppressGoAhead, sideUs)
	assert.Equal(t, [][2]byte{{cmdWILL, OptSuppressGoAhead}}, rec.sent)

	n.handle(cmdDONT, OptSuppressGoAhead)
	assert.Equal(t, stateNo, n.state(OptSuppressGoAhead, sideUs))
	assert.Len(t, rec.updates, 1)
	assert.False(t, rec.updates[0].enabled)
}

func TestNegotiatePeerInitiatedWantedOption(t *testing.T) {
	n, rec := newTestNegotiator()

	n.handle(cmdWILL, OptEcho)
	assert.Equal(t, stateYes, n.state(OptEcho, sideHim))
	assert.Equal(t, [][2]byte{{cmdDO, OptEcho}}, rec.sent)
}

func TestNegotiatePeerInitiatedUnwantedOption(t *testing.T) {
	n, rec := newTestNegotiator()

	const optLinemode = 34
	n.handle(cmdWILL, optLinemode)
	assert.Equal(t, stateNo, n.state(optLinemode, sideHim))
	assert.Equal(t, [][2]byte{{cmdDONT, optLinemode}}, rec.sent)

	n.handle(cmdDO, optLinemode)
	assert.Equal(t, stateNo, n.state(optLinemode, sideUs))
	assert.Equal(t, [2]byte{cmdWONT, optLinemode}, rec.sent[1])
}

func TestNegotiateDuplicateRequestsAreQuiet(t *testing.T) {
	n, rec := newTestNegotiator()

	n.requestEnable(OptEcho, sideHim)
	n.handle(cmdWILL, OptEcho)
	sent := len(rec.sent)

	// A repeated WILL for an enabled option must not loop.
	n.handle(cmdWILL, OptEcho)
	assert.Len(t, rec.sent, sent)

	// Re-requesting an option mid-negotiation sends nothing extra.
	n.requestEnable(OptEcho, sideHim)
	assert.Len(t, rec.sent, sent)
}

func TestNegotiateDisableFromYes(t *testing.T) {
	n, rec := newTestNegotiator()

	n.requestEnable(OptSuppressGoAhead, sideHim)
	n.handle(cmdWILL, OptSuppressGoAhead)

	n.handle(cmdWONT, OptSuppressGoAhead)
	assert.Equal(t, stateNo, n.state(OptSuppressGoAhead, sideHim))
	assert.Equal(t, [2]byte{cmdDONT, OptSuppressGoAhead}, rec.sent[len(rec.sent)-1])
	assert.False(t, rec.updates[len(rec.updates)-1].enabled)
}

func TestParserCommandExtraction(t *testing.T) {
	var text []byte
	var cmds [][2]byte
	p := &parser{
		onText:    func(b byte) { text = append(text, b) },
		onCommand: func(cmd, opt byte) { cmds = append(cmds, [2]byte{cmd, opt}) },
	}

	p.feed([]byte{'a', cmdIAC, cmdWILL, OptEcho, 'b'})
	assert.Equal(t, []byte("ab"), text)
	assert.Equal(t, [][2]byte{{cmdWILL, OptEcho}}, cmds)
}

func TestParserEscapedIAC(t *testing.T) {
	var text []byte
	p := &parser{onText: func(b byte) { text = append(text, b) }, onCommand: func(cmd, opt byte) {}}

	p.feed([]byte{cmdIAC, cmdIAC})
	assert.Equal(t, []byte{0xFF}, text)
}

func TestParserFiltersCRAndNUL(t *testing.T) {
	var text []byte
	p := &parser{onText: func(b byte) { text = append(text, b) }, onCommand: func(cmd, opt byte) {}}

	p.feed([]byte("ok\r\n\x00done\r\n"))
	assert.Equal(t, []byte("ok\ndone\n"), text)
}

func TestParserSkipsSubnegotiation(t *testing.T) {
	var text []byte
	p := &parser{onText: func(b byte) { text = append(text, b) }, onCommand: func(cmd, opt byte) {}}

	p.feed([]byte{'a', cmdIAC, cmdSB, 1, 2, 3, cmdIAC, cmdSE, 'b'})
	assert.Equal(t, []byte("ab"), text)
}

func TestParserSplitFeeds(t *testing.T) {
	var cmds [][2]byte
	p := &parser{onText: func(b byte) {}, onCommand: func(cmd, opt byte) { cmds = append(cmds, [2]byte{cmd, opt}) }}

	// A command split across reads must still parse.
	p.feed([]byte{cmdIAC})
	p.feed([]byte{cmdDO})
	p.feed([]byte{OptSuppressGoAhead})
	assert.Equal(t, [][2]byte{{cmdDO, OptSuppressGoAhead}}, cmds)
}
