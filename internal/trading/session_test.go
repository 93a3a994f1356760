package trading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-risk-engine/internal/config"
	"options-risk-engine/pkg/utils"
)

func newSessions(t *testing.T, holidays ...string) *SessionManager {
	t.Helper()
	cfg := config.Default().Session
	cfg.Holidays = holidays
	m, err := NewSessionManager(cfg)
	require.NoError(t, err)
	return m
}

// ist returns 2025-01-06 (a Monday) plus dayOffset at hh:mm IST.
func ist(dayOffset, hh, mm int) time.Time {
	return time.Date(2025, 1, 6+dayOffset, hh, mm, 0, 0, utils.IndiaLocation)
}

func TestSessionAt(t *testing.T) {
	m := newSessions(t, "2025-01-08")

	tests := []struct {
		name    string
		at      time.Time
		session MarketSession
		closed  bool
		ending  bool
	}{
		{"early morning", ist(0, 8, 0), SessionClosed, true, false},
		{"pre-open", ist(0, 9, 5), SessionPreOpen, true, false},
		{"open", ist(0, 9, 15), SessionNormal, false, false},
		{"midday", ist(0, 12, 30), SessionNormal, false, false},
		{"one minute before deadline", ist(0, 15, 14), SessionNormal, false, false},
		{"exit deadline", ist(0, 15, 15), SessionClosing, false, true},
		{"closing", ist(0, 15, 29), SessionClosing, false, true},
		{"close", ist(0, 15, 30), SessionClosed, true, false},
		{"saturday", ist(5, 11, 0), SessionClosed, true, false},
		{"holiday", ist(2, 11, 0), SessionHoliday, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.session, m.SessionAt(tt.at))
			assert.Equal(t, tt.closed, m.MarketClosed(tt.at))
			assert.Equal(t, tt.ending, m.SessionEnding(tt.at))
		})
	}
}

func TestSessionUsesExchangeTimezone(t *testing.T) {
	m := newSessions(t)
	// 09:50 UTC is 15:20 IST.
	at := time.Date(2025, 1, 6, 9, 50, 0, 0, time.UTC)
	assert.True(t, m.SessionEnding(at))
	assert.Equal(t, 5*time.Minute, m.TimeToExitDeadline(ist(0, 15, 10)))
	assert.Zero(t, m.TimeToExitDeadline(at))
}

func TestEntryWindow(t *testing.T) {
	m := newSessions(t)
	assert.False(t, m.InEntryWindow(ist(0, 9, 16)))
	assert.True(t, m.InEntryWindow(ist(0, 9, 20)))
	assert.True(t, m.InEntryWindow(ist(0, 14, 29)))
	assert.False(t, m.InEntryWindow(ist(0, 14, 30)))
}

func TestNextTradingDay(t *testing.T) {
	m := newSessions(t, "2025-01-13")
	friday := ist(4, 16, 0)
	assert.Equal(t, ist(8, 9, 15), m.NextTradingDay(friday), "skips the weekend and the Monday holiday")
}

func TestNewSessionManagerRejectsBadConfig(t *testing.T) {
	cfg := config.Default().Session
	cfg.ExitDeadline = "3pm"
	_, err := NewSessionManager(cfg)
	assert.Error(t, err)

	cfg = config.Default().Session
	cfg.MarketOpen, cfg.MarketClose = "15:30", "09:15"
	_, err = NewSessionManager(cfg)
	assert.Error(t, err)

	cfg = config.Default().Session
	cfg.Holidays = []string{"08/01/2025"}
	_, err = NewSessionManager(cfg)
	assert.Error(t, err)
}
