// Package parser names the downstream game-state parser collaborator
// (§6): "a function ParseMessage(channel) consuming a pre-positioned
// scratch message buffer; it may set channel.state = Reading upon
// successful gamestate parse." The entity/player/config-string
// simulation behind it is explicitly out of scope (§1); this package
// only defines the interface gtvcore's Channel calls through, plus a
// minimal test double that exercises the contract without reimplementing
// the game simulation.
package parser

// Parser consumes one fully-framed, length-prefixed message body and
// applies it to whatever downstream state it owns. ParseMessage reports
// whether the message it just saw completed gamestate initialization —
// the first message of any stream is the gamestate (§ GLOSSARY). Channel
// latches its promoted flag the first time this returns true for a popped
// record; its Waiting -> Reading transition itself is decided by the
// delay-buffer thresholds, not by this result.
type Parser interface {
	ParseMessage(body []byte) (gamestateComplete bool, err error)
}

// Null is a Parser that treats every message as successfully parsed and
// as completing gamestate initialization, so the first record of every
// playlist file (including after a loop back to the head) is accepted as
// its gamestate. It is the default wired into DemoSource and Channel when
// no richer downstream simulation is attached (standalone recording/relay
// use, and tests).
type Null struct{}

// NewNull returns a fresh Null parser.
func NewNull() *Null { return &Null{} }

func (n *Null) ParseMessage(body []byte) (bool, error) {
	return true, nil
}
