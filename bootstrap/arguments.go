package bootstrap

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// The bootstrap script's arguments. The script reads them by position, in the order Positional returns them.
type Arguments struct {
	User           string
	DashboardPath  string
	Project        string
	Branch         string
	ThroughputGbps string
	RunPath        string
	Shape          string
	Region         string
}

func (a Arguments) Positional() []string {
	return []string{
		a.User,
		a.DashboardPath,
		a.Project,
		a.Branch,
		a.ThroughputGbps,
		a.RunPath,
		a.Shape,
		a.Region,
	}
}

// FormatThroughput formats a configured throughput as a plain decimal without a unit.
// Strings are passed through unchanged, including the empty string.
func FormatThroughput(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return formatFloat(float64(t), 32)
	case float64:
		return formatFloat(t, 64)
	case nil:
		return "", ErrMissingValue
	default:
		return "", fmt.Errorf("%w: %T", ErrNotRepresentable, v)
	}
}

func formatFloat(f float64, bitSize int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrNotRepresentable, f)
	}
	return strconv.FormatFloat(f, 'f', -1, bitSize), nil
}
