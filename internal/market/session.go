package market

import (
	"time"
	_ "time/tzdata"
)

type Session string

const (
	SessionPreMarket  Session = "pre-market"
	SessionMarket     Session = "market"
	SessionAfterHours Session = "after-hours"
	SessionClosed     Session = "closed"
)

var eastern = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("load America/New_York: " + err.Error())
	}
	return loc
}

// Eastern returns t in US exchange time.
func Eastern(t time.Time) time.Time {
	return t.In(eastern)
}

// ClassifySession maps a wall-clock instant to a US equity session.
// Exchange holidays are not modelled.
func ClassifySession(t time.Time) Session {
	et := t.In(eastern)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes < 4*60:
		return SessionClosed
	case minutes < 9*60+30:
		return SessionPreMarket
	case minutes < 16*60:
		return SessionMarket
	case minutes < 20*60:
		return SessionAfterHours
	default:
		return SessionClosed
	}
}

// sessionFromVendor maps the vendor's snapshot type tag. ok is false for unknown tags.
func sessionFromVendor(tag string) (Session, bool) {
	switch tag {
	case "pre":
		return SessionPreMarket, true
	case "post":
		return SessionAfterHours, true
	case "regular":
		return SessionMarket, true
	default:
		return "", false
	}
}
