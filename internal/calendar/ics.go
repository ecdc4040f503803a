package calendar

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultCalendarName = "BRM Contract Renewals"
	DefaultProdID       = "-//BRM//Renewal Calendar//EN"
	uidDomain           = "renewalcal"
	maxLineOctets       = 75
	// MaxReminderDays bounds alarm offsets; larger values are clamped.
	MaxReminderDays = 3650
)

// Options tunes the exported calendar.
type Options struct {
	// ReminderDays adds a display alarm that many days before each event when > 0.
	ReminderDays *int
	CalendarName string
	ProdID       string
}

// UID is stable for a (contract, kind) pair.
func UID(contractID string, kind Kind) string {
	sum := sha1.Sum([]byte(contractID + "|" + string(kind)))
	return hex.EncodeToString(sum[:]) + "@" + uidDomain
}

// Serialize renders events as an RFC 5545 VCALENDAR. The output depends only on
// the events and options, so repeated exports of unchanged data are identical.
func Serialize(events []Event, opts Options) []byte {
	if opts.CalendarName == "" {
		opts.CalendarName = DefaultCalendarName
	}
	if opts.ProdID == "" {
		opts.ProdID = DefaultProdID
	}
	sorted := append([]Event(nil), events...)
	Sort(sorted)

	w := &icsWriter{}
	w.line("BEGIN:VCALENDAR")
	w.line("VERSION:2.0")
	w.line("PRODID:" + opts.ProdID)
	w.line("CALSCALE:GREGORIAN")
	w.line("METHOD:PUBLISH")
	w.line("X-WR-CALNAME:" + escapeText(opts.CalendarName))
	w.line("X-WR-CALDESC:" + escapeText("Contract renewal dates and notice deadlines"))

	for _, ev := range sorted {
		start := ev.Date.Time().Format("20060102")
		end := ev.Date.AddDays(1).Time().Format("20060102")
		priority := 5
		if ev.Kind == KindNoticeDeadline {
			priority = 1
		}

		w.line("BEGIN:VEVENT")
		w.line("UID:" + UID(ev.ContractID, ev.Kind))
		w.line("DTSTAMP:" + start + "T000000Z")
		w.line("DTSTART;VALUE=DATE:" + start)
		w.line("DTEND;VALUE=DATE:" + end)
		w.line("SUMMARY:" + escapeText(ev.Title))
		if ev.Subtitle != "" {
			w.line("DESCRIPTION:" + escapeText(ev.Subtitle))
		}
		w.line(fmt.Sprintf("PRIORITY:%d", priority))
		w.line("STATUS:CONFIRMED")
		w.line("TRANSP:TRANSPARENT")
		if opts.ReminderDays != nil && *opts.ReminderDays > 0 {
			w.line("BEGIN:VALARM")
			w.line(fmt.Sprintf("TRIGGER:-PT%dM", min(*opts.ReminderDays, MaxReminderDays)*24*60))
			w.line("ACTION:DISPLAY")
			w.line("DESCRIPTION:" + escapeText("Reminder: "+ev.Title))
			w.line("END:VALARM")
		}
		w.line("END:VEVENT")
	}
	w.line("END:VCALENDAR")
	return w.buf.Bytes()
}

type icsWriter struct {
	buf bytes.Buffer
}

// line writes one content line, folded at 75 octets without splitting a rune.
func (w *icsWriter) line(s string) {
	limit := maxLineOctets
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		w.buf.WriteString(s[:cut])
		w.buf.WriteString("\r\n ")
		s = s[cut:]
		// Continuation lines start with a space, which counts toward the limit.
		limit = maxLineOctets - 1
	}
	w.buf.WriteString(s)
	w.buf.WriteString("\r\n")
}

var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	";", `\;`,
	",", `\,`,
	"\r\n", `\n`,
	"\n", `\n`,
	"\r", `\n`,
)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}
