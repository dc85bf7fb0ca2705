// Package universe holds the exchanges and securities every simulator works
// on, and the trading calendar derived from them.
package universe

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/drblury/simbus/internal/runtime/jsoncodec"
)

// Security types.
const (
	TypeEquity = "EQUITY"
	TypeETF    = "ETF"
)

// Exchange is a trading venue with daily hours in its own time zone.
type Exchange struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone"`
	OpenTime  string `json:"open_time"`
	CloseTime string `json:"close_time"`
	// TradingDays are ISO weekdays counted from Monday = 0. Empty means
	// Monday to Friday.
	TradingDays []int `json:"trading_days,omitempty"`
}

type Security struct {
	ID         string `json:"id"`
	ISIN       string `json:"isin,omitempty"`
	Ticker     string `json:"ticker"`
	Name       string `json:"name"`
	ExchangeID string `json:"exchange_id"`
	Currency   string `json:"currency"`
	LotSize    int    `json:"lot_size,omitempty"`
	Type       string `json:"type,omitempty"`
}

// IsETF reports whether s is a fund rather than a single equity.
func (s Security) IsETF() bool { return s.Type == TypeETF }

// Universe is the static reference data of a simulation run.
type Universe struct {
	Exchanges  map[string]Exchange
	Securities []Security
}

type universeFile struct {
	Exchanges  []Exchange `json:"exchanges"`
	Securities []Security `json:"securities"`
}

// Default returns the built-in universe: five tracker ETFs and a handful of
// large caps on five venues.
func Default() *Universe {
	exchanges := []Exchange{
		{ID: "XNAS", Name: "Nasdaq", Timezone: "America/New_York", OpenTime: "09:30", CloseTime: "16:00"},
		{ID: "XNYS", Name: "NYSE", Timezone: "America/New_York", OpenTime: "09:30", CloseTime: "16:00"},
		{ID: "XPAR", Name: "Euronext Paris", Timezone: "Europe/Paris", OpenTime: "09:00", CloseTime: "17:30"},
		{ID: "XETR", Name: "Xetra", Timezone: "Europe/Berlin", OpenTime: "09:00", CloseTime: "17:30"},
		{ID: "XSHG", Name: "Shanghai SE", Timezone: "Asia/Shanghai", OpenTime: "09:30", CloseTime: "15:00"},
	}
	securities := []Security{
		{ID: "ETF_SP500", Ticker: "SPYx", Name: "S&P 500 Tracker (sim)", ExchangeID: "XNYS", Currency: "USD", Type: TypeETF},
		{ID: "ETF_CSI1000", Ticker: "CSI1k", Name: "CSI 1000 Tracker (sim)", ExchangeID: "XSHG", Currency: "CNY", Type: TypeETF},
		{ID: "ETF_CAC40", Ticker: "CACx", Name: "CAC 40 Tracker (sim)", ExchangeID: "XPAR", Currency: "EUR", Type: TypeETF},
		{ID: "ETF_MSCI_W", Ticker: "MSCIw", Name: "MSCI World Tracker (sim)", ExchangeID: "XETR", Currency: "EUR", Type: TypeETF},
		{ID: "ETF_STOXX600", Ticker: "STOXX", Name: "EURO STOXX 600 Tracker (sim)", ExchangeID: "XETR", Currency: "EUR", Type: TypeETF},
		{ID: "AAPL", ISIN: "US0378331005", Ticker: "AAPL", Name: "Apple Inc", ExchangeID: "XNAS", Currency: "USD"},
		{ID: "MSFT", ISIN: "US5949181045", Ticker: "MSFT", Name: "Microsoft", ExchangeID: "XNAS", Currency: "USD"},
		{ID: "AIR", ISIN: "NL0000235190", Ticker: "AIR", Name: "Airbus SE", ExchangeID: "XPAR", Currency: "EUR"},
		{ID: "OR", ISIN: "FR0000120321", Ticker: "OR", Name: "L'Oréal SA", ExchangeID: "XPAR", Currency: "EUR"},
		{ID: "SIE", ISIN: "DE0007236101", Ticker: "SIE", Name: "Siemens AG", ExchangeID: "XETR", Currency: "EUR"},
	}
	u, _ := build(exchanges, securities)
	return u
}

// Load reads a universe file. An empty path returns Default.
func Load(path string) (*Universe, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe: %w", err)
	}
	var f universeFile
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse universe %s: %w", path, err)
	}
	return build(f.Exchanges, f.Securities)
}

func build(exchanges []Exchange, securities []Security) (*Universe, error) {
	u := &Universe{Exchanges: make(map[string]Exchange, len(exchanges))}
	var errs []error
	for _, ex := range exchanges {
		if _, err := time.LoadLocation(ex.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("exchange %s: %w", ex.ID, err))
			continue
		}
		if _, _, err := parseHHMM(ex.OpenTime); err != nil {
			errs = append(errs, fmt.Errorf("exchange %s open_time: %w", ex.ID, err))
		}
		if _, _, err := parseHHMM(ex.CloseTime); err != nil {
			errs = append(errs, fmt.Errorf("exchange %s close_time: %w", ex.ID, err))
		}
		u.Exchanges[ex.ID] = ex
	}
	for _, s := range securities {
		if _, ok := u.Exchanges[s.ExchangeID]; !ok {
			errs = append(errs, fmt.Errorf("security %s: unknown exchange %q", s.ID, s.ExchangeID))
			continue
		}
		if s.Type == "" {
			s.Type = TypeEquity
		}
		if s.LotSize == 0 {
			s.LotSize = 1
		}
		u.Securities = append(u.Securities, s)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return u, nil
}

// Security looks a security up by id.
func (u *Universe) Security(id string) (Security, bool) {
	i := slices.IndexFunc(u.Securities, func(s Security) bool { return s.ID == id })
	if i < 0 {
		return Security{}, false
	}
	return u.Securities[i], true
}

// ETFs returns the funds in declaration order.
func (u *Universe) ETFs() []Security {
	return u.filter(true)
}

// Equities returns the single stocks in declaration order.
func (u *Universe) Equities() []Security {
	return u.filter(false)
}

func (u *Universe) filter(etf bool) []Security {
	var out []Security
	for _, s := range u.Securities {
		if s.IsETF() == etf {
			out = append(out, s)
		}
	}
	return out
}
