package nfc

import (
	"fmt"
	"slices"
)

// Status field names understood by StatusLayout.
const (
	StatMoney     = "money"
	StatPower     = "power"
	StatStamina   = "stamina"
	StatSpeed     = "speed"
	StatTechnique = "technique"
	StatLuck      = "luck"
	StatClass     = "class"
)

// StatusLayout names the positions of the status vector stored on a card.
//
// The order depends on how the helper scripts lay out card memory, so it is
// configuration rather than code. Positions with an empty name are ignored.
type StatusLayout []string

// DefaultStatusLayout matches the current reader scripts: money first,
// followed by the five stats and the class code.
func DefaultStatusLayout() StatusLayout {
	return StatusLayout{StatMoney, StatPower, StatStamina, StatSpeed, StatTechnique, StatLuck, StatClass}
}

// Index returns the position of name, or -1.
func (l StatusLayout) Index(name string) int {
	if name == "" {
		return -1
	}
	return slices.Index(l, name)
}

// Value returns status[Index(name)] when both exist.
func (l StatusLayout) Value(status []int, name string) (int, bool) {
	i := l.Index(name)
	if i < 0 || i >= len(status) {
		return 0, false
	}
	return status[i], true
}

// Named maps every named position present in status to its value.
func (l StatusLayout) Named(status []int) map[string]int {
	out := make(map[string]int, len(l))
	for i, name := range l {
		if name == "" || i >= len(status) {
			continue
		}
		out[name] = status[i]
	}
	return out
}

// Validate rejects duplicate names.
func (l StatusLayout) Validate() error {
	seen := make(map[string]bool, len(l))
	for _, name := range l {
		if name == "" {
			continue
		}
		if seen[name] {
			return fmt.Errorf("status layout: duplicate field %q", name)
		}
		seen[name] = true
	}
	return nil
}
