package forecast

import (
	"fmt"
	"time"

	"github.com/raterudder/freephase/pkg/types"
)

// windowStartHour is the local hour at which a day's published forecast
// begins.
const windowStartHour = 23

// ukLocation is the timezone tariff days are published in.
var ukLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		panic(fmt.Errorf("failed to load uk location: %w", err))
	}
	return loc
}()

// Location returns the timezone used for local day boundaries.
func Location() *time.Location {
	return ukLocation
}

// WindowFor returns the 23:00 to 23:00 local window containing t.
func WindowFor(t time.Time) types.Window {
	lt := t.In(ukLocation)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), windowStartHour, 0, 0, 0, ukLocation)
	if lt.Before(start) {
		start = time.Date(lt.Year(), lt.Month(), lt.Day()-1, windowStartHour, 0, 0, 0, ukLocation)
	}
	end := time.Date(start.Year(), start.Month(), start.Day()+1, windowStartHour, 0, 0, 0, ukLocation)
	return types.Window{
		EffectiveFrom: start.UTC(),
		EffectiveTo:   end.UTC(),
	}
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	lt := t.In(ukLocation)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, ukLocation)
}

// selectWindow picks the latest complete window among the slots, falling back
// to the latest window when none are complete. slots must be sorted.
func selectWindow(slots []types.Slot) (types.Window, []types.Slot, bool) {
	var (
		latest      types.Window
		latestSlots []types.Slot
	)
	for end := len(slots); end > 0; {
		w := WindowFor(slots[end-1].Start)
		begin := end
		for begin > 0 && w.Contains(slots[begin-1].Start) {
			begin--
		}
		in := slots[begin:end]
		if latest.IsZero() {
			latest, latestSlots = w, in
		}
		if len(in) == w.ExpectedSlots() {
			return w, in, true
		}
		end = begin
	}
	return latest, latestSlots, false
}
