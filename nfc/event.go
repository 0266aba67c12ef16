// Package nfc defines the card-level domain types shared by the decoder,
// supervisor, bridge and UI transport: tag events, write payloads, read and
// lookup records, and the status vector layout.
package nfc

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates TagEvent values.
type EventKind string

const (
	KindData    EventKind = "data"
	KindRemoved EventKind = "removed"
)

// TagEvent is emitted by the monitor for every tag state change. It is either
// a DataEvent or a RemovedEvent.
type TagEvent interface {
	Kind() EventKind
	isTagEvent()
}

// DataEvent reports a tag placed on the reader and the data read from it.
type DataEvent struct {
	IDm       string            `json:"idm"`
	Name      string            `json:"name"`
	Status    []int             `json:"status"`
	Inventory []json.RawMessage `json:"inventory"`
}

// RemovedEvent reports that the previously present tag left the reader.
type RemovedEvent struct{}

func (DataEvent) Kind() EventKind    { return KindData }
func (RemovedEvent) Kind() EventKind { return KindRemoved }

func (DataEvent) isTagEvent()    {}
func (RemovedEvent) isTagEvent() {}

// InventoryPage is one raw memory page as reported by the reader scripts.
type InventoryPage struct {
	Page int    `json:"page"`
	Data string `json:"data"` // hex bytes separated by spaces, e.g. "01 00 FF 00"
}

// InventoryPages decodes the inventory records that have the page shape.
// Records of any other shape are skipped.
func (e DataEvent) InventoryPages() []InventoryPage {
	return decodePages(e.Inventory)
}

func decodePages(raw []json.RawMessage) []InventoryPage {
	pages := make([]InventoryPage, 0, len(raw))
	for _, r := range raw {
		var p InventoryPage
		if err := json.Unmarshal(r, &p); err != nil || p.Data == "" {
			continue
		}
		pages = append(pages, p)
	}
	return pages
}

// Stat returns the status value named by layout, if present.
func (e DataEvent) Stat(layout StatusLayout, name string) (int, bool) {
	return layout.Value(e.Status, name)
}

func (e DataEvent) String() string {
	return fmt.Sprintf("data idm=%s name=%q status=%v inventory=%d", e.IDm, e.Name, e.Status, len(e.Inventory))
}

func (RemovedEvent) String() string { return "removed" }
