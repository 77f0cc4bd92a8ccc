package importer

import (
	"fmt"

	"wikiimport/internal/common"
)

// State is the lifecycle position of one page within a run.
type State int

const (
	Discovered State = iota
	Parsing
	Uploading
	Writing
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Parsing:
		return "parsing"
	case Uploading:
		return "uploading"
	case Writing:
		return "writing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Committed || s == Failed
}

// Allowed forward transitions. Failed is reachable from every non-terminal
// state and is handled separately.
var transitions = map[State]State{
	Discovered: Parsing,
	Parsing:    Uploading,
	Uploading:  Writing,
	Writing:    Committed,
}

// pageState tracks one page through the state machine.
type pageState struct {
	state  State
	reason error
}

// advance moves to the next state. Illegal transitions return
// common.ErrBadTransition and leave the state unchanged.
func (p *pageState) advance(to State) error {
	if p.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal", common.ErrBadTransition, p.state)
	}
	if to == Failed {
		return fmt.Errorf("%w: use fail to enter %s", common.ErrBadTransition, Failed)
	}
	if next, ok := transitions[p.state]; !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", common.ErrBadTransition, p.state, to)
	}
	p.state = to
	return nil
}

// fail moves a non-terminal page to Failed with reason.
func (p *pageState) fail(reason error) error {
	if p.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal", common.ErrBadTransition, p.state)
	}
	p.state = Failed
	p.reason = reason
	return nil
}
