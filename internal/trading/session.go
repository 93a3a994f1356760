// Package trading runs the exit side of the risk engine: the session
// calendar, the risk loop, the exit coordinator and reconciliation.
package trading

import (
	"fmt"
	"time"

	"options-risk-engine/internal/config"
	"options-risk-engine/pkg/utils"
)

// MarketSession represents different market sessions.
type MarketSession string

const (
	SessionPreOpen MarketSession = "PRE_OPEN"
	SessionNormal  MarketSession = "NORMAL"
	SessionClosing MarketSession = "CLOSING" // past the exit deadline, market still open
	SessionClosed  MarketSession = "CLOSED"
	SessionHoliday MarketSession = "HOLIDAY"
)

// clock is a minute-of-day.
type clock int

func parseClock(field, s string) (clock, error) {
	h, m, err := config.ParseHHMM(s)
	if err != nil {
		return 0, fmt.Errorf("session.%s: %w", field, err)
	}
	return clock(h*60 + m), nil
}

func clockOf(t time.Time) clock {
	return clock(t.Hour()*60 + t.Minute())
}

// SessionManager answers session questions for an exchange calendar. Every
// answer is a pure function of the time passed in and the configuration.
type SessionManager struct {
	location     *time.Location
	marketOpen   clock
	marketClose  clock
	entryStart   clock
	entryEnd     clock
	exitDeadline clock
	holidays     map[string]bool // YYYY-MM-DD
}

// NewSessionManager builds a session manager from cfg.
func NewSessionManager(cfg config.SessionConfig) (*SessionManager, error) {
	m := &SessionManager{
		location: utils.LoadLocation(cfg.Timezone),
		holidays: make(map[string]bool, len(cfg.Holidays)),
	}

	var err error
	for _, f := range []struct {
		name string
		val  string
		dst  *clock
	}{
		{"market_open", cfg.MarketOpen, &m.marketOpen},
		{"market_close", cfg.MarketClose, &m.marketClose},
		{"entry_start", cfg.EntryStart, &m.entryStart},
		{"entry_end", cfg.EntryEnd, &m.entryEnd},
		{"exit_deadline", cfg.ExitDeadline, &m.exitDeadline},
	} {
		if *f.dst, err = parseClock(f.name, f.val); err != nil {
			return nil, err
		}
	}
	if m.marketOpen >= m.marketClose {
		return nil, fmt.Errorf("session.market_open must be before session.market_close")
	}

	for _, d := range cfg.Holidays {
		day, err := time.ParseInLocation("2006-01-02", d, m.location)
		if err != nil {
			return nil, fmt.Errorf("session.holidays: invalid date %q", d)
		}
		m.AddHoliday(day)
	}
	return m, nil
}

// Location returns the exchange timezone.
func (m *SessionManager) Location() *time.Location {
	return m.location
}

// AddHoliday adds a market holiday.
func (m *SessionManager) AddHoliday(date time.Time) {
	m.holidays[date.In(m.location).Format("2006-01-02")] = true
}

// IsHoliday checks if a date is a market holiday.
func (m *SessionManager) IsHoliday(date time.Time) bool {
	return m.holidays[date.In(m.location).Format("2006-01-02")]
}

// IsTradingDay reports whether the exchange trades on t's date.
func (m *SessionManager) IsTradingDay(t time.Time) bool {
	t = t.In(m.location)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !m.IsHoliday(t)
}

// SessionAt returns the market session at t.
func (m *SessionManager) SessionAt(t time.Time) MarketSession {
	t = t.In(m.location)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return SessionClosed
	}
	if m.IsHoliday(t) {
		return SessionHoliday
	}

	now := clockOf(t)
	switch {
	case now < m.marketOpen:
		if now >= m.marketOpen-15 {
			return SessionPreOpen
		}
		return SessionClosed
	case now >= m.marketClose:
		return SessionClosed
	case now >= m.exitDeadline:
		return SessionClosing
	default:
		return SessionNormal
	}
}

// MarketClosed reports whether orders cannot trade at t.
func (m *SessionManager) MarketClosed(t time.Time) bool {
	switch m.SessionAt(t) {
	case SessionNormal, SessionClosing:
		return false
	}
	return true
}

// SessionEnding reports whether t is at or past the exit deadline on a
// trading day while the market is still open. Positions must be flat by then.
func (m *SessionManager) SessionEnding(t time.Time) bool {
	return m.SessionAt(t) == SessionClosing
}

// InEntryWindow reports whether new positions may be opened at t.
func (m *SessionManager) InEntryWindow(t time.Time) bool {
	if m.SessionAt(t) != SessionNormal {
		return false
	}
	now := clockOf(t.In(m.location))
	return now >= m.entryStart && now < m.entryEnd
}

// ExitDeadline returns the exit deadline on t's date.
func (m *SessionManager) ExitDeadline(t time.Time) time.Time {
	return timeAt(t.In(m.location), m.exitDeadline)
}

// TimeToExitDeadline returns how long until today's exit deadline, or zero
// once it has passed.
func (m *SessionManager) TimeToExitDeadline(t time.Time) time.Duration {
	d := m.ExitDeadline(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// NextTradingDay returns the next trading day after t.
func (m *SessionManager) NextTradingDay(t time.Time) time.Time {
	next := t.In(m.location).AddDate(0, 0, 1)
	for !m.IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return timeAt(next, m.marketOpen)
}

// timeAt returns t's date at the given minute of day.
func timeAt(t time.Time, c clock) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), int(c)/60, int(c)%60, 0, 0, t.Location())
}

func (s MarketSession) String() string {
	switch s {
	case SessionPreOpen:
		return "Pre-Open"
	case SessionNormal:
		return "Normal Trading"
	case SessionClosing:
		return "Closing (exits only)"
	case SessionClosed:
		return "Closed"
	case SessionHoliday:
		return "Holiday"
	default:
		return string(s)
	}
}
