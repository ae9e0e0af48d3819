package calendar

import (
	"fmt"
	"time"

	ics "github.com/arran4/golang-ical"
	"sharecal/internal/domain"
)

type zoneSpan struct {
	name     string
	loc      *time.Location
	from, to int // years, inclusive
}

// addTimezones writes one VTIMEZONE per TZID the timed events will reference. The
// observances cover every offset change from January 1st of the first event's
// year to the end of the last event's year.
func addTimezones(cal *ics.Calendar, events []domain.ExtractedEvent, cfg Config) {
	var spans []*zoneSpan
	byName := map[string]*zoneSpan{}
	for _, ev := range events {
		if ev.AllDay() {
			continue
		}
		name, loc := resolveZone(ev.Timezone, cfg.Timezone)
		if name == "UTC" {
			continue
		}
		start, err := time.Parse(dateLayout, ev.StartDate)
		if err != nil {
			continue
		}
		last := start.Year()
		if end, err := time.Parse(dateLayout, ev.EndDate); err == nil && end.Year() > last {
			last = end.Year()
		}
		// an overnight end can spill into the next year
		last++

		s, ok := byName[name]
		if !ok {
			s = &zoneSpan{name: name, loc: loc, from: start.Year(), to: last}
			byName[name] = s
			spans = append(spans, s)
			continue
		}
		s.from = min(s.from, start.Year())
		s.to = max(s.to, last)
	}

	for _, s := range spans {
		cal.AddVTimezone(vtimezone(s))
	}
}

func vtimezone(s *zoneSpan) *ics.VTimezone {
	tz := ics.NewTimezone(s.name)
	begin := time.Date(s.from, time.January, 1, 0, 0, 0, 0, s.loc)
	end := time.Date(s.to+1, time.January, 1, 0, 0, 0, 0, s.loc)

	name, off := begin.Zone()
	tz.Components = append(tz.Components, observance(begin.IsDST(), begin.Format(icsLocal), off, off, name))

	prev := begin
	for t := begin.AddDate(0, 0, 1); !t.After(end); t = t.AddDate(0, 0, 1) {
		if sameOffset(prev, t) {
			prev = t
			continue
		}
		at := transition(prev, t)
		_, fromOff := prev.Zone()
		name, toOff := at.Zone()
		onset := at.In(time.FixedZone("", fromOff)).Format(icsLocal)
		tz.Components = append(tz.Components, observance(at.IsDST(), onset, fromOff, toOff, name))
		prev = t
	}
	return tz
}

func sameOffset(a, b time.Time) bool {
	_, ao := a.Zone()
	_, bo := b.Zone()
	return ao == bo && a.IsDST() == b.IsDST()
}

// transition narrows [lo, hi) down to the first second carrying hi's offset.
func transition(lo, hi time.Time) time.Time {
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if sameOffset(lo, mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

func observance(dst bool, onset string, from, to int, name string) ics.Component {
	var base ics.ComponentBase
	base.SetProperty(ics.ComponentPropertyDtStart, onset)
	base.SetProperty(ics.ComponentProperty(ics.PropertyTzoffsetfrom), utcOffset(from))
	base.SetProperty(ics.ComponentProperty(ics.PropertyTzoffsetto), utcOffset(to))
	if name != "" {
		base.SetProperty(ics.ComponentProperty(ics.PropertyTzname), name)
	}
	if dst {
		return &ics.Daylight{ComponentBase: base}
	}
	return &ics.Standard{ComponentBase: base}
}

// utcOffset formats seconds east of UTC as +HHMM, or +HHMMSS when needed.
func utcOffset(sec int) string {
	sign := '+'
	if sec < 0 {
		sign, sec = '-', -sec
	}
	h, m, s := sec/3600, sec/60%60, sec%60
	if s != 0 {
		return fmt.Sprintf("%c%02d%02d%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%c%02d%02d", sign, h, m)
}
