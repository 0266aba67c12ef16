package nfc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxNameBytes is the name capacity of a card; the writer pads or truncates
// the UTF-8 encoding to this size.
const MaxNameBytes = 16

// WritePayload is the data written to a card by the write script.
type WritePayload struct {
	Name      string `json:"name"`
	Age       int    `json:"age"`
	Money     int    `json:"money"`
	Power     int    `json:"power"`
	Stamina   int    `json:"stamina"`
	Speed     int    `json:"speed"`
	Technique int    `json:"technique"`
	Luck      int    `json:"luck"`
	Class     int    `json:"class"`
}

// ValidationError reports an unusable WritePayload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the payload fits the card: a non-empty name and numeric
// fields that fit an unsigned 32-bit cell.
func (p WritePayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(p.Name) > MaxNameBytes {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("encodes to %d bytes, card holds %d", len(p.Name), MaxNameBytes)}
	}
	for _, f := range p.numericFields() {
		if f.value < 0 || int64(f.value) > math.MaxUint32 {
			return &ValidationError{Field: f.name, Reason: fmt.Sprintf("%d out of range 0..%d", f.value, uint32(math.MaxUint32))}
		}
	}
	return nil
}

// FitName returns p with the name cut to MaxNameBytes on a rune boundary, so
// the writer never splits a multi-byte character. It reports whether the
// name was shortened.
func (p WritePayload) FitName() (WritePayload, bool) {
	if len(p.Name) <= MaxNameBytes {
		return p, false
	}
	cut := 0
	for i := range p.Name {
		if i > MaxNameBytes {
			break
		}
		cut = i
	}
	p.Name = p.Name[:cut]
	return p, true
}

type namedValue struct {
	name  string
	value int
}

func (p WritePayload) numericFields() []namedValue {
	return []namedValue{
		{"age", p.Age},
		{StatMoney, p.Money},
		{StatPower, p.Power},
		{StatStamina, p.Stamina},
		{StatSpeed, p.Speed},
		{StatTechnique, p.Technique},
		{StatLuck, p.Luck},
		{StatClass, p.Class},
	}
}

// Args renders the positional arguments expected by the write script:
// name, age, money, power, stamina, speed, technique, luck, class.
func (p WritePayload) Args() []string {
	fields := p.numericFields()
	args := make([]string, 0, len(fields)+1)
	args = append(args, p.Name)
	for _, f := range fields {
		args = append(args, strconv.Itoa(f.value))
	}
	return args
}

// WriteResult is the outcome of a write the script completed. Success is
// false when the script exited cleanly but did not report success.
type WriteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ReadResult is the document printed by the one-shot read script. When the
// script reports a card error only Error is set.
type ReadResult struct {
	IDm       string            `json:"idm"`
	Name      string            `json:"name"`
	Status    []int             `json:"status"`
	Inventory []json.RawMessage `json:"inventory,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// InventoryPages decodes the page-shaped inventory records.
func (r ReadResult) InventoryPages() []InventoryPage {
	return decodePages(r.Inventory)
}

// Participant is the database row for a card, as returned by the lookup script.
type Participant struct {
	CardID    string `json:"nfc_card_id"`
	UserName  string `json:"user_name"`
	Age       int    `json:"age"`
	Money     int    `json:"money"`
	Power     int    `json:"power"`
	Stamina   int    `json:"stamina"`
	Speed     int    `json:"speed"`
	Technique int    `json:"technique"`
	Luck      int    `json:"luck"`
	Class     int    `json:"class"`
}

// LookupResult is the document printed by the lookup script.
type LookupResult struct {
	Found       bool         `json:"found"`
	Participant *Participant `json:"data,omitempty"`
	Message     string       `json:"message,omitempty"`
	Error       string       `json:"error,omitempty"`
}
