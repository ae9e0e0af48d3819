package calendar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"
	_ "time/tzdata"

	ics "github.com/arran4/golang-ical"
	"sharecal/internal/common"
	"sharecal/internal/domain"
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04"
	icsDate        = "20060102"
	icsLocal       = "20060102T150405"
	icsUTC         = "20060102T150405Z"
	defaultTimed   = time.Hour
	maxSlugLength  = 60
	batchProperty  = "X-SHARECAL-BATCH"
	relatedTo      = "RELATED-TO"
	altDescription = "X-ALT-DESC"
)

// Config controls the generated calendar. GeneratedAt becomes every DTSTAMP, so the
// same events and config always serialise to the same bytes.
type Config struct {
	Method                 string
	Timezone               string
	ProdID                 string
	IncludeHTMLDescription bool
	GeneratedAt            time.Time
}

// Generate builds one calendar holding every event. Events after the first are linked
// to it with RELATED-TO and all share a batch id.
func Generate(events []domain.ExtractedEvent, cfg Config) (domain.Artifact, error) {
	if len(events) == 0 {
		return domain.Artifact{}, common.Errorf(common.KindValidation, "no events to generate")
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = string(ics.MethodPublish)
	}

	batch, err := batchID(events, cfg)
	if err != nil {
		return domain.Artifact{}, err
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.Method(method))
	if cfg.ProdID != "" {
		cal.SetProductId(cfg.ProdID)
	}

	addTimezones(cal, events, cfg)

	var firstUID string
	for i, ev := range events {
		uid := fmt.Sprintf("%s-%d@sharecal", batch, i)
		if i == 0 {
			firstUID = uid
		}
		vevent, err := addEvent(cal, uid, ev, cfg)
		if err != nil {
			return domain.Artifact{}, fmt.Errorf("event %d: %w", i+1, err)
		}
		vevent.AddProperty(ics.ComponentProperty(batchProperty), batch)
		if i > 0 {
			vevent.AddProperty(ics.ComponentProperty(relatedTo), firstUID)
		}
	}

	return domain.Artifact{
		Data:        []byte(cal.Serialize()),
		Filename:    Filename(events[0].Summary),
		ContentType: fmt.Sprintf("text/calendar; charset=utf-8; method=%s", method),
	}, nil
}

func addEvent(cal *ics.Calendar, uid string, ev domain.ExtractedEvent, cfg Config) (*ics.VEvent, error) {
	start, err := time.Parse(dateLayout, ev.StartDate)
	if err != nil {
		return nil, common.Errorf(common.KindValidation, "invalid start date %q", ev.StartDate)
	}

	e := cal.AddEvent(uid)
	e.SetDtStampTime(cfg.GeneratedAt.UTC())
	e.SetSummary(ev.Summary)
	if ev.Location != "" {
		e.SetLocation(ev.Location)
	}
	if ev.Description != "" {
		e.SetDescription(ev.Description)
	}
	if ev.URL != "" {
		e.SetURL(ev.URL)
	}
	if cfg.IncludeHTMLDescription && (ev.Description != "" || ev.URL != "") {
		e.AddProperty(ics.ComponentProperty(altDescription), htmlDescription(ev),
			&ics.KeyValues{Key: "FMTTYPE", Value: []string{"text/html"}})
	}

	if ev.AllDay() {
		end := start.AddDate(0, 0, 1)
		if ev.EndDate != "" {
			last, err := time.Parse(dateLayout, ev.EndDate)
			if err != nil {
				return nil, common.Errorf(common.KindValidation, "invalid end date %q", ev.EndDate)
			}
			// the model gives an inclusive last day
			if !last.Before(start) {
				end = last.AddDate(0, 0, 1)
			}
		}
		dateOnly := &ics.KeyValues{Key: "VALUE", Value: []string{"DATE"}}
		e.SetProperty(ics.ComponentPropertyDtStart, start.Format(icsDate), dateOnly)
		e.SetProperty(ics.ComponentPropertyDtEnd, end.Format(icsDate), dateOnly)
		return e, nil
	}

	tz, loc := resolveZone(ev.Timezone, cfg.Timezone)
	startAt, err := at(ev.StartDate, ev.StartTime, loc)
	if err != nil {
		return nil, err
	}
	endAt := startAt.Add(defaultTimed)
	switch {
	case ev.EndTime == "" && ev.EndDate != "":
		last, err := time.ParseInLocation(dateLayout, ev.EndDate, loc)
		if err != nil {
			return nil, common.Errorf(common.KindValidation, "invalid end date %q", ev.EndDate)
		}
		// no end time: run through the whole last day
		if last.After(startAt) {
			endAt = last.AddDate(0, 0, 1)
		}
	case ev.EndTime != "":
		endDate := ev.EndDate
		if endDate == "" {
			endDate = ev.StartDate
		}
		if endAt, err = at(endDate, ev.EndTime, loc); err != nil {
			return nil, err
		}
		if !endAt.After(startAt) {
			if ev.EndDate == "" {
				// ends after midnight
				endAt = endAt.AddDate(0, 0, 1)
			} else {
				endAt = startAt.Add(defaultTimed)
			}
		}
	}

	if tz == "UTC" {
		e.SetProperty(ics.ComponentPropertyDtStart, startAt.UTC().Format(icsUTC))
		e.SetProperty(ics.ComponentPropertyDtEnd, endAt.UTC().Format(icsUTC))
		return e, nil
	}
	zone := &ics.KeyValues{Key: "TZID", Value: []string{tz}}
	e.SetProperty(ics.ComponentPropertyDtStart, startAt.Format(icsLocal), zone)
	e.SetProperty(ics.ComponentPropertyDtEnd, endAt.Format(icsLocal), zone)
	return e, nil
}

func at(date, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, common.Errorf(common.KindValidation, "invalid date/time %q %q", date, clock)
	}
	return t, nil
}

// resolveZone picks the event's zone, then the configured zone, then UTC. Unknown
// names fall through to the next candidate.
func resolveZone(candidates ...string) (string, *time.Location) {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		switch strings.ToUpper(c) {
		case "":
			continue
		case "UTC", "Z", "GMT", "ETC/UTC", "ETC/GMT":
			return "UTC", time.UTC
		}
		if loc, err := time.LoadLocation(c); err == nil {
			return c, loc
		}
	}
	return "UTC", time.UTC
}

func htmlDescription(ev domain.ExtractedEvent) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	if ev.Description != "" {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(ev.Description), "\n", "<br>"))
		b.WriteString("</p>")
	}
	if ev.URL != "" {
		u := html.EscapeString(ev.URL)
		fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, u, u)
	}
	b.WriteString("</body></html>")
	return b.String()
}

// batchID hashes the events and config so identical input gives an identical id.
func batchID(events []domain.ExtractedEvent, cfg Config) (string, error) {
	b, err := json.Marshal(struct {
		Events []domain.ExtractedEvent
		Method string
		Zone   string
		ProdID string
		HTML   bool
		Stamp  int64
	}{events, cfg.Method, cfg.Timezone, cfg.ProdID, cfg.IncludeHTMLDescription, cfg.GeneratedAt.Unix()})
	if err != nil {
		return "", fmt.Errorf("hash events: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8]), nil
}

// Filename derives "<slug>.ics" from an event summary.
func Filename(summary string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(summary) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLength {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "event"
	}
	return slug + ".ics"
}
