// Package gtfs validates and decodes the ferry timetable feed files.
package gtfs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ferrysync/internal/fault"
	"ferrysync/internal/model"
)

// Extension is the accepted feed file extension.
const Extension = ".json"

// Validate checks that the file at path is a non-empty route array or an
// object holding a non-empty "routes" array. Elements are not inspected.
func Validate(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is a downloaded feed in the update directory
	if err != nil {
		return fault.New(fault.ValidationFailed, "read "+filepath.Base(path), err)
	}
	return fault.New(fault.ValidationFailed, "validate "+filepath.Base(path), checkShape(data))
}

// Valid reports whether Validate accepts the file.
func Valid(path string) bool {
	return Validate(path) == nil
}

func checkShape(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty file")
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}

	switch v := doc.(type) {
	case []any:
		if len(v) == 0 {
			return errors.New("empty route array")
		}
		return nil
	case map[string]any:
		raw, ok := v["routes"]
		if !ok {
			return errors.New(`missing "routes" key`)
		}
		routes, ok := raw.([]any)
		if !ok {
			return errors.New(`"routes" is not an array`)
		}
		if len(routes) == 0 {
			return errors.New(`empty "routes" array`)
		}
		return nil
	default:
		return fmt.Errorf("unexpected top-level %T", doc)
	}
}

// RouteNumber is the itinerary label of a route. The feed sends it as a string or a number.
type RouteNumber string

// UnmarshalJSON accepts strings, numbers and null.
func (n *RouteNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = RouteNumber(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("route_id: %w", err)
	}
	*n = RouteNumber(num.String())
	return nil
}

// RouteInput is one route object of a current feed.
type RouteInput struct {
	RouteID                       RouteNumber                 `json:"route_id"`
	Company                       string                      `json:"company"`
	CompanyCode                   string                      `json:"company_code"`
	OriginPort                    string                      `json:"origin_port"`
	OriginPortCode                string                      `json:"origin_port_code"`
	DestinationPort               string                      `json:"destination_port"`
	DestinationPortCode           string                      `json:"destination_port_code"`
	DepartureTime                 string                      `json:"departure_time"`
	ArrivalTime                   string                      `json:"arrival_time"`
	OriginPortStop                int                         `json:"origin_port_stop"`
	DestinationPortStop           int                         `json:"destination_port_stop"`
	DepartureOffset               int                         `json:"departure_offset"`
	ArrivalOffset                 int                         `json:"arrival_offset"`
	Duration                      int                         `json:"duration"`
	DatesAndVessels               map[string]string           `json:"dates_and_vessels"`
	VesselsAndIndicativePrices    map[string]int64            `json:"vessels_and_indicative_prices"`
	VesselsAndAccommodationPrices map[string]map[string]int64 `json:"vessels_and_accommodation_prices"`
}

// Record converts the input into a route record. Map entries are emitted in key order.
func (in RouteInput) Record() model.RouteRecord {
	rec := model.RouteRecord{
		Route: model.Route{
			RouteNumber:         string(in.RouteID),
			Company:             in.Company,
			CompanyCode:         in.CompanyCode,
			OriginPortCode:      in.OriginPortCode,
			OriginPortName:      in.OriginPort,
			DestinationPortCode: in.DestinationPortCode,
			DestinationPortName: in.DestinationPort,
			DepartureTime:       in.DepartureTime,
			ArrivalTime:         in.ArrivalTime,
			OriginPortStop:      in.OriginPortStop,
			DestinationPortStop: in.DestinationPortStop,
			DepartureOffset:     in.DepartureOffset,
			ArrivalOffset:       in.ArrivalOffset,
			Duration:            in.Duration,
		},
	}

	for _, date := range sortedKeys(in.DatesAndVessels) {
		rec.Schedule = append(rec.Schedule, model.ScheduleEntry{Date: date, Vessel: in.DatesAndVessels[date]})
	}
	for _, vessel := range sortedKeys(in.VesselsAndIndicativePrices) {
		rec.Prices = append(rec.Prices, model.PriceEntry{
			Vessel: vessel,
			Price:  model.Cents(in.VesselsAndIndicativePrices[vessel]),
		})
	}
	for _, vessel := range sortedKeys(in.VesselsAndAccommodationPrices) {
		acc := in.VesselsAndAccommodationPrices[vessel]
		for _, kind := range sortedKeys(acc) {
			rec.Accommodations = append(rec.Accommodations, model.AccommodationPrice{
				Vessel:        vessel,
				Accommodation: kind,
				Price:         model.Cents(acc[kind]),
			})
		}
	}
	return rec
}

type routesDoc struct {
	Routes []RouteInput `json:"routes"`
}

// ParseRoutes decodes a current feed in either accepted top-level shape.
// Prices must be integers in minor currency units.
func ParseRoutes(r io.Reader) ([]model.RouteRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	if err := checkShape(data); err != nil {
		return nil, err
	}

	var inputs []RouteInput
	if data = bytes.TrimSpace(data); data[0] == '[' {
		err = json.Unmarshal(data, &inputs)
	} else {
		var doc routesDoc
		err = json.Unmarshal(data, &doc)
		inputs = doc.Routes
	}
	if err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}

	records := make([]model.RouteRecord, 0, len(inputs))
	for _, in := range inputs {
		records = append(records, in.Record())
	}
	return records, nil
}

// ParseRoutesFile opens path and decodes it with ParseRoutes.
func ParseRoutesFile(path string) ([]model.RouteRecord, error) {
	f, err := os.Open(path) //nolint:gosec // path is a validated feed file
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseRoutes(f)
}

// DateRange is one operating window of a historical route pair.
type DateRange struct {
	StartDate  string `json:"startDate"`
	EndDate    string `json:"endDate"`
	AppearDate string `json:"appearDate"`
}

// HistoricalInput is one port pair of the historical feed. Names may be "CODE___NAME".
type HistoricalInput struct {
	OriginName      string      `json:"origin_name"`
	DestinationName string      `json:"destination_name"`
	DateRanges      []DateRange `json:"dateRanges"`
}

// Ranges flattens the pair into one record per date range.
func (in HistoricalInput) Ranges() []model.HistoricalDateRange {
	originCode, originName := model.SplitCompound(in.OriginName)
	destCode, destName := model.SplitCompound(in.DestinationName)

	out := make([]model.HistoricalDateRange, 0, len(in.DateRanges))
	for _, dr := range in.DateRanges {
		out = append(out, model.HistoricalDateRange{
			OriginCode:      originCode,
			OriginName:      originName,
			DestinationCode: destCode,
			DestinationName: destName,
			StartDate:       strings.TrimSpace(dr.StartDate),
			EndDate:         strings.TrimSpace(dr.EndDate),
			AppearDate:      strings.TrimSpace(dr.AppearDate),
		})
	}
	return out
}

// ParseHistorical decodes a historical feed: a JSON array of port pairs.
func ParseHistorical(r io.Reader) ([]model.HistoricalDateRange, error) {
	var inputs []HistoricalInput
	if err := json.NewDecoder(r).Decode(&inputs); err != nil {
		return nil, fmt.Errorf("decode historical feed: %w", err)
	}

	var ranges []model.HistoricalDateRange
	for i, in := range inputs {
		if strings.TrimSpace(in.OriginName) == "" || strings.TrimSpace(in.DestinationName) == "" {
			return nil, fmt.Errorf("historical entry %d: origin and destination are required", i)
		}
		ranges = append(ranges, in.Ranges()...)
	}
	return ranges, nil
}

// ParseHistoricalFile opens path and decodes it with ParseHistorical.
func ParseHistoricalFile(path string) ([]model.HistoricalDateRange, error) {
	f, err := os.Open(path) //nolint:gosec // path is a feed file in the update directory
	if err != nil {
		return nil, fmt.Errorf("open historical feed: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseHistorical(f)
}

// IsHistoricalName reports whether a file name carries the historical marker.
func IsHistoricalName(name string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(name)), "historical")
}

// Stem returns the base name of a saved attachment without its timestamp prefix
// and extensions, e.g. "20240301T030000.000000000_ferries.json" gives "ferries".
func Stem(name string) string {
	base := filepath.Base(name)
	if _, rest, ok := strings.Cut(base, "_"); ok {
		base = rest
	}
	for i := 0; i < 2; i++ {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}

// CompanionOf returns the historical file among candidates matching current's stem.
func CompanionOf(current string, candidates []string) (string, bool) {
	stem := strings.ToLower(Stem(current))
	if stem == "" {
		return "", false
	}
	for _, c := range candidates {
		if c == current || !IsHistoricalName(c) {
			continue
		}
		if strings.Contains(strings.ToLower(filepath.Base(c)), stem) {
			return c, true
		}
	}
	return "", false
}

// IsFeedFile reports whether name has the accepted extension.
func IsFeedFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Extension)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
