package universe

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var defaultTradingDays = []int{0, 1, 2, 3, 4}

// Calendar answers whether an exchange is trading at a given instant.
type Calendar struct {
	exchanges map[string]Exchange
	devMode   bool

	mu        sync.Mutex
	locations map[string]*time.Location
}

// NewCalendar returns a calendar over u. In dev mode every exchange is open.
func NewCalendar(u *Universe, devMode bool) *Calendar {
	return &Calendar{
		exchanges: u.Exchanges,
		devMode:   devMode,
		locations: make(map[string]*time.Location),
	}
}

// IsOpen reports whether exchangeID trades at t. The open and close minutes
// both count as open. Unknown exchanges are closed.
func (c *Calendar) IsOpen(exchangeID string, t time.Time) bool {
	if c.devMode {
		return true
	}
	ex, ok := c.exchanges[exchangeID]
	if !ok {
		return false
	}
	loc, err := c.location(ex.Timezone)
	if err != nil {
		return false
	}
	local := t.In(loc)

	days := ex.TradingDays
	if len(days) == 0 {
		days = defaultTradingDays
	}
	// time.Weekday counts from Sunday.
	if !slices.Contains(days, (int(local.Weekday())+6)%7) {
		return false
	}

	openH, openM, err := parseHHMM(ex.OpenTime)
	if err != nil {
		return false
	}
	closeH, closeM, err := parseHHMM(ex.CloseTime)
	if err != nil {
		return false
	}
	now := local.Hour()*60 + local.Minute()
	return now >= openH*60+openM && now <= closeH*60+closeM
}

func (c *Calendar) location(name string) (*time.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loc, ok := c.locations[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	c.locations[name] = loc
	return loc, nil
}

func parseHHMM(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("time %q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q has an invalid minute", s)
	}
	return h, m, nil
}
