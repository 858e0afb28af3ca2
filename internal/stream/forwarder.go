package stream

import "github.com/coulsontl/gemini-antiblock/internal/protocol"

// forward drains the lookahead window: buffered events whose text fits fully
// inside the safe zone are emitted; the last Lookahead characters of formal
// text are always withheld so a finish sentinel arriving in pieces can never
// reach the client.
func (a *Attempt) forward() error {
	for len(a.textBuffer) > protocol.Lookahead && len(a.linesBuffer) > 0 {
		head := a.linesBuffer[0]
		safe := len(a.textBuffer) - protocol.Lookahead
		if len(head.text) > safe {
			break
		}
		if err := a.emit(head.raw + "\n\n"); err != nil {
			return err
		}
		a.emittedText.WriteString(head.text)
		a.textBuffer = a.textBuffer[len(head.text):]
		a.linesBuffer = a.linesBuffer[1:]
	}
	return nil
}
