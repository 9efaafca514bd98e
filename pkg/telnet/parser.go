package telnet

// parserState tracks the in-band command escape sequence being consumed.
type parserState int

const (
	parseText parserState = iota
	parseIAC
	parseOption
	parseSub
	parseSubIAC
)

// parser splits the raw stream into textual bytes and negotiation
// commands. CR and NUL are filtered from the text.
type parser struct {
	state parserState
	cmd   byte

	// onText receives every stream text byte except CR and NUL, control
	// bytes such as backspace included.
	onText func(b byte)
	// onCommand receives (command, option) negotiation pairs.
	onCommand func(cmd, opt byte)
}

// feed consumes one chunk of raw stream bytes.
func (p *parser) feed(data []byte) {
	for _, b := range data {
		switch p.state {
		case parseText:
			if b == cmdIAC {
				p.state = parseIAC
				continue
			}
			p.emitText(b)
		case parseIAC:
			switch b {
			case cmdIAC:
				// Escaped 0xFF data byte.
				p.emitText(b)
				p.state = parseText
			case cmdWILL, cmdWONT, cmdDO, cmdDONT:
				p.cmd = b
				p.state = parseOption
			case cmdSB:
				p.state = parseSub
			default:
				// Two-byte command; nothing to do.
				p.state = parseText
			}
		case parseOption:
			p.onCommand(p.cmd, b)
			p.state = parseText
		case parseSub:
			if b == cmdIAC {
				p.state = parseSubIAC
			}
		case parseSubIAC:
			if b == cmdSE {
				p.state = parseText
			} else {
				p.state = parseSub
			}
		}
	}
}

func (p *parser) emitText(b byte) {
	// CR and NUL never reach the textual output; line endings are
	// normalized to bare LF.
	if b == '\r' || b == 0 {
		return
	}
	p.onText(b)
}
