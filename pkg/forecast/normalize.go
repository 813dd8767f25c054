package forecast

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// NormalizeErrorKind categorizes problems found while normalizing.
type NormalizeErrorKind string

const (
	KindEmpty          NormalizeErrorKind = "empty_payload"
	KindMalformedEntry NormalizeErrorKind = "malformed_entry"
	KindInsufficient   NormalizeErrorKind = "insufficient_slots"
	KindOverlap        NormalizeErrorKind = "overlapping_slots"
	KindGap            NormalizeErrorKind = "slot_gap"
)

// NormalizeError describes a payload problem. Entry is the index of the
// offending payload entry or -1 when the problem isn't tied to one.
type NormalizeError struct {
	Kind   NormalizeErrorKind
	Entry  int
	Detail string
}

func (e *NormalizeError) Error() string {
	if e.Entry >= 0 {
		return fmt.Sprintf("%s (entry %d): %s", e.Kind, e.Entry, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Normalized is the result of normalizing a payload.
type Normalized struct {
	// Slots are sorted ascending by start, unique and non-overlapping.
	Slots []types.Slot
	// Issues are problems that didn't prevent normalization.
	Issues []*NormalizeError
}

// Malformed returns the number of entries that were discarded.
func (n Normalized) Malformed() int {
	var c int
	for _, issue := range n.Issues {
		if issue.Kind == KindMalformedEntry {
			c++
		}
	}
	return c
}

func parseEntry(raw json.RawMessage) (start time.Time, price decimal.Decimal, err error) {
	if !gjson.ValidBytes(raw) {
		return time.Time{}, decimal.Zero, fmt.Errorf("entry is not valid json")
	}
	entry := gjson.ParseBytes(raw)
	if !entry.IsObject() {
		return time.Time{}, decimal.Zero, fmt.Errorf("entry is not an object")
	}

	from := entry.Get("valid_from")
	if from.Type != gjson.String {
		return time.Time{}, decimal.Zero, fmt.Errorf("missing valid_from")
	}
	start, err = time.Parse(time.RFC3339, from.Str)
	if err != nil {
		return time.Time{}, decimal.Zero, fmt.Errorf("invalid valid_from %q: %w", from.Str, err)
	}

	switch value := entry.Get("value_inc_vat"); value.Type {
	case gjson.Number:
		price, err = decimal.NewFromString(value.Raw)
	case gjson.String:
		price, err = decimal.NewFromString(value.Str)
	default:
		return time.Time{}, decimal.Zero, fmt.Errorf("missing value_inc_vat")
	}
	if err != nil {
		return time.Time{}, decimal.Zero, fmt.Errorf("invalid value_inc_vat: %w", err)
	}

	if to := entry.Get("valid_to"); to.Type == gjson.String {
		end, err := time.Parse(time.RFC3339, to.Str)
		if err != nil {
			return time.Time{}, decimal.Zero, fmt.Errorf("invalid valid_to %q: %w", to.Str, err)
		}
		if !end.Equal(start.Add(types.SlotDuration)) {
			return time.Time{}, decimal.Zero, fmt.Errorf("unexpected slot length %s", end.Sub(start))
		}
	}
	return start.UTC(), price, nil
}

// Normalize converts raw entries into an ordered list of slots. Malformed
// entries are discarded and recorded as issues. When two entries share a
// start the later one in the payload wins. Slots that overlap an earlier slot
// are dropped. An error is returned only if no usable slots remain.
func Normalize(payload types.RawPayload) (Normalized, error) {
	var n Normalized
	if len(payload.Entries) == 0 {
		return n, &NormalizeError{Kind: KindEmpty, Entry: -1, Detail: "payload has no entries"}
	}

	byStart := make(map[int64]types.Slot, len(payload.Entries))
	for i, raw := range payload.Entries {
		start, price, err := parseEntry(raw)
		if err != nil {
			n.Issues = append(n.Issues, &NormalizeError{Kind: KindMalformedEntry, Entry: i, Detail: err.Error()})
			continue
		}
		byStart[start.Unix()] = types.Slot{
			Start:           start,
			End:             start.Add(types.SlotDuration),
			DurationMinutes: int(types.SlotDuration / time.Minute),
			Price:           price,
			Unit:            types.PriceUnit,
		}
	}
	if len(byStart) == 0 {
		return n, &NormalizeError{Kind: KindMalformedEntry, Entry: -1, Detail: "no valid entries in payload"}
	}

	sorted := make([]types.Slot, 0, len(byStart))
	for _, s := range byStart {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	n.Slots = make([]types.Slot, 0, len(sorted))
	for _, s := range sorted {
		if l := len(n.Slots); l > 0 {
			prev := n.Slots[l-1]
			if s.Start.Before(prev.End) {
				n.Issues = append(n.Issues, &NormalizeError{
					Kind:   KindOverlap,
					Entry:  -1,
					Detail: fmt.Sprintf("slot at %s overlaps slot at %s", s.Start.Format(time.RFC3339), prev.Start.Format(time.RFC3339)),
				})
				continue
			}
			if s.Start.After(prev.End) {
				n.Issues = append(n.Issues, &NormalizeError{
					Kind:   KindGap,
					Entry:  -1,
					Detail: fmt.Sprintf("missing slots between %s and %s", prev.End.Format(time.RFC3339), s.Start.Format(time.RFC3339)),
				})
			}
		}
		n.Slots = append(n.Slots, s)
	}

	// index is the ordinal within each slot's own forecast window
	var (
		window types.Window
		index  int
	)
	for i := range n.Slots {
		w := WindowFor(n.Slots[i].Start)
		if !w.Equal(window) {
			window = w
			index = 0
		}
		n.Slots[i].Index = index
		index++
	}
	return n, nil
}
