package forecast

import (
	"fmt"
	"time"

	"github.com/raterudder/freephase/pkg/types"
)

// Build runs a payload through normalization, classification, merging and
// analysis. now is only used for the day groupings.
func Build(payload types.RawPayload, policy types.PhasePolicy, now time.Time) (types.Forecast, error) {
	n, err := Normalize(payload)
	if err != nil {
		return types.Forecast{}, err
	}

	timeline := ClassifyAll(n.Slots, policy)
	window, windowSlots, complete := selectWindow(timeline)

	f := types.Forecast{
		Window:           window,
		Slots:            windowSlots,
		Blocks:           Merge(windowSlots),
		Timeline:         timeline,
		TimelineBlocks:   Merge(timeline),
		Stats:            Analyze(windowSlots, policy),
		Days:             GroupByDay(timeline, now),
		Complete:         complete,
		MalformedEntries: n.Malformed(),
		Convention:       policy.Convention(),
	}
	for _, issue := range n.Issues {
		f.Issues = append(f.Issues, issue.Error())
	}
	if !complete {
		f.Issues = append(f.Issues, (&NormalizeError{
			Kind:   KindInsufficient,
			Entry:  -1,
			Detail: fmt.Sprintf("window has %d of %d slots", len(windowSlots), window.ExpectedSlots()),
		}).Error())
	}
	return f, nil
}
