package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ferrysync/internal/config"
	"ferrysync/internal/model"
)

const setUsage = "usage: /set <time|days|subject|sender|days_back|directory|historical> <value>"

// ParseSetArgs turns "/set <key> <value>" arguments into a config patch.
// Values are checked when the patch is applied.
func ParseSetArgs(args string) (config.UpdatePatch, error) {
	key, value, _ := strings.Cut(strings.TrimSpace(args), " ")
	value = strings.TrimSpace(value)
	if key == "" {
		return config.UpdatePatch{}, errors.New(setUsage)
	}

	var p config.UpdatePatch
	switch strings.ToLower(key) {
	case "time":
		if value == "" {
			return p, errors.New("usage: /set time HH:MM")
		}
		p.UpdateTime = &value
	case "days":
		days := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
		switch {
		case len(days) == 0:
			return p, errors.New("usage: /set days monday,wednesday (or none)")
		case len(days) == 1 && strings.EqualFold(days[0], "none"):
			days = []string{}
		}
		p.UpdateDays = &days
	case "subject":
		if value == "" {
			return p, errors.New("usage: /set subject <text>")
		}
		p.Subject = &value
	case "sender":
		if value == "-" {
			value = ""
		}
		p.Sender = &value
	case "days_back":
		n, err := strconv.Atoi(value)
		if err != nil {
			return p, fmt.Errorf("invalid days_back %q", value)
		}
		p.DaysBack = &n
	case "directory", "dir":
		if value == "" {
			return p, errors.New("usage: /set directory <path>")
		}
		p.UpdateDirectory = &value
	case "historical":
		on, err := parseSwitch(value)
		if err != nil {
			return p, err
		}
		p.EnableHistorical = &on
	default:
		return p, fmt.Errorf("unknown setting %q, %s", key, setUsage)
	}
	return p, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value %q, use on or off", s)
	}
}

// ParseHistoricalArgs reads "<origin> - <destination>" or two single-word ports.
func ParseHistoricalArgs(args string) (model.HistoricalQuery, error) {
	const usage = "usage: /historical <origin> - <destination>"

	s := strings.TrimSpace(args)
	var q model.HistoricalQuery
	if origin, dest, ok := strings.Cut(s, " - "); ok {
		q = model.HistoricalQuery{Origin: strings.TrimSpace(origin), Destination: strings.TrimSpace(dest)}
	} else if parts := strings.Fields(s); len(parts) == 2 {
		q = model.HistoricalQuery{Origin: parts[0], Destination: parts[1]}
	}
	if !q.Valid() {
		return model.HistoricalQuery{}, errors.New(usage)
	}
	return q, nil
}

// ParseFileArg extracts a single file name from command arguments.
func ParseFileArg(args string) (string, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return "", errors.New("file name is required")
	}
	return strings.Fields(s)[0], nil
}
