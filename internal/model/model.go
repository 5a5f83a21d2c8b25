// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// CompoundSeparator joins the code and display name of vessel and accommodation keys.
const CompoundSeparator = "___"

// SplitCompound splits a "CODE___NAME" key. Without a separator both parts are the input.
func SplitCompound(s string) (code, name string) {
	s = strings.TrimSpace(s)
	code, name, ok := strings.Cut(s, CompoundSeparator)
	if !ok {
		return s, s
	}
	return strings.TrimSpace(code), strings.TrimSpace(name)
}

// Cents is an amount in minor currency units.
type Cents int64

// String formats the amount in major units, e.g. 1300 as "13.00".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// EmailCredentials identify the mailbox that receives feed updates.
// They are held in memory only and never written to the config file.
type EmailCredentials struct {
	Address string
	Secret  string
	Host    string
	Port    int
}

// Addr returns host:port of the IMAP server.
func (c EmailCredentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Complete reports whether the credentials can be used to log in.
func (c EmailCredentials) Complete() bool {
	return c.Address != "" && c.Secret != "" && c.Host != "" && c.Port > 0
}

// LogValue keeps the secret out of structured logs.
func (c EmailCredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", c.Address),
		slog.String("server", c.Addr()),
	)
}

// Attachment is a file extracted from a mail message into the update directory.
type Attachment struct {
	MessageUID  uint32
	Path        string
	FileName    string
	ContentType string
	SavedAt     time.Time
}

// Route is one scheduled leg of a carrier between two ports.
// ID is generated on insert; RouteNumber is the non-unique itinerary label from the feed.
type Route struct {
	ID                  int64
	RouteNumber         string
	Company             string
	CompanyCode         string
	OriginPortCode      string
	OriginPortName      string
	DestinationPortCode string
	DestinationPortName string
	DepartureTime       string
	ArrivalTime         string
	OriginPortStop      int
	DestinationPortStop int
	DepartureOffset     int
	ArrivalOffset       int
	Duration            int
}

// ScheduleEntry is the vessel operating a route on a calendar date.
type ScheduleEntry struct {
	Date   string
	Vessel string
}

// PriceEntry is the indicative base fare of a vessel on a route.
type PriceEntry struct {
	Vessel string
	Price  Cents
}

// AccommodationPrice is the fare of one accommodation type on a vessel.
type AccommodationPrice struct {
	Vessel        string
	Accommodation string
	Price         Cents
}

// RouteRecord is a route together with all of its dependent rows.
type RouteRecord struct {
	Route          Route
	Schedule       []ScheduleEntry
	Prices         []PriceEntry
	Accommodations []AccommodationPrice
}

// TableCounts holds row counts of the current-routes store.
type TableCounts struct {
	Routes              int
	Schedules           int
	Prices              int
	AccommodationPrices int
}

// Fare is one row of the joined view over routes, schedules and prices.
type Fare struct {
	RouteID             int64
	RouteNumber         string
	Company             string
	OriginPortCode      string
	OriginPortName      string
	DestinationPortCode string
	DestinationPortName string
	DepartureTime       string
	ArrivalTime         string
	Date                string
	Vessel              string
	IndicativePrice     Cents
	Accommodation       string
	AccommodationPrice  Cents
}

// FareFilter narrows a fare query. Empty fields match everything.
type FareFilter struct {
	Origin      string
	Destination string
	Date        string
}

// HistoricalDateRange records an operating window of a port pair seen in a past feed.
type HistoricalDateRange struct {
	ID              int64  `csv:"-"`
	OriginCode      string `csv:"origin_code"`
	OriginName      string `csv:"origin_name"`
	DestinationCode string `csv:"destination_code"`
	DestinationName string `csv:"destination_name"`
	StartDate       string `csv:"start_date"`
	EndDate         string `csv:"end_date"`
	AppearDate      string `csv:"appear_date"`
}

// HistoricalQuery is a port pair to look up. Each side may be a code or a name.
type HistoricalQuery struct {
	Origin      string
	Destination string
}

// Valid reports whether both sides are set.
func (q HistoricalQuery) Valid() bool {
	return strings.TrimSpace(q.Origin) != "" && strings.TrimSpace(q.Destination) != ""
}
