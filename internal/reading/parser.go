package reading

import (
	"regexp"
	"strconv"
)

const (
	TemperatureLabel = "Temperature:"
	HumidityLabel    = "Humidity:"
)

var (
	// the whole numeric run is captured so "1.2.3" fails to parse instead of
	// yielding its valid prefix
	temperaturePattern = regexp.MustCompile(`Temperature:\s*([-+]?[\d.]+)`)
	humidityPattern    = regexp.MustCompile(`Humidity:\s*([-+]?[\d.]+)`)
)

// ParseLine extracts the labelled temperature and humidity from one line of
// sensor output. Both fields must be present with a decimal value; the
// labels may appear in either order. ok is false otherwise.
func ParseLine(line string) (temperature, humidity float64, ok bool) {
	temperature, ok = labelledValue(temperaturePattern, line)
	if !ok {
		return 0, 0, false
	}
	humidity, ok = labelledValue(humidityPattern, line)
	if !ok {
		return 0, 0, false
	}
	return temperature, humidity, true
}

func labelledValue(pattern *regexp.Regexp, line string) (float64, bool) {
	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
