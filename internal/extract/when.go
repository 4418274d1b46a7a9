package extract

import (
	"context"
	"regexp"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var (
	// "3.30pm" and "at 3.30" are times; when only reads the colon form.
	dottedMeridiem = regexp.MustCompile(`(?i)\b(\d{1,2})\.(\d{2})(\s*[ap]\.?m)\b`)
	dottedAt       = regexp.MustCompile(`(?i)\bat\s+(\d{1,2})\.(\d{2})\b`)

	pinnedDay = regexp.MustCompile(`(?i)\b(today|tonight|yesterday|ago|last|` +
		`jan(uary)?|feb(ruary)?|mar(ch)?|apr(il)?|may|june?|july?|aug(ust)?|sept?(ember)?|oct(ober)?|nov(ember)?|dec(ember)?)\b` +
		`|\b\d{1,2}(st|nd|rd|th)\b|\d[/-]\d`)
	weekdayName = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

// WhenParser is the DateParser backed by olebedev/when with the English
// and language-neutral rule sets. Bare times of day and weekdays resolve to
// their next occurrence.
type WhenParser struct {
	w *when.Parser
}

func NewWhenParser() *WhenParser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &WhenParser{w: w}
}

func (p *WhenParser) ParseDate(_ context.Context, fragment string, ref time.Time) (time.Time, bool, error) {
	r, err := p.w.Parse(normalizeTimes(fragment), ref)
	if err != nil {
		return time.Time{}, false, err
	}
	if r == nil {
		return time.Time{}, false, nil
	}
	return preferFuture(r.Time, fragment, ref), true, nil
}

func normalizeTimes(s string) string {
	s = dottedMeridiem.ReplaceAllString(s, "$1:$2$3")
	return dottedAt.ReplaceAllString(s, "at $1:$2")
}

// preferFuture rolls a result that fell before ref forward when the
// fragment did not pin the day: a time of day moves to tomorrow, a weekday
// to the same day next week.
func preferFuture(t time.Time, fragment string, ref time.Time) time.Time {
	if !t.Before(ref) || pinnedDay.MatchString(fragment) {
		return t
	}
	switch {
	case weekdayName.MatchString(fragment):
		if ref.Sub(t) < 7*24*time.Hour {
			return t.AddDate(0, 0, 7)
		}
	case sameDay(t, ref):
		return t.AddDate(0, 0, 1)
	}
	return t
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
