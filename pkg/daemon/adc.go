package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"thermd/pkg/sensor"
)

// adcFile reads raw conversions from a sysfs IIO channel, e.g.
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw. Each read is
// oversampled to match the accumulation the sensor layer expects.
type adcFile struct {
	path string
}

func (a *adcFile) read() (float64, error) {
	var sum float64
	for i := 0; i < sensor.Oversample; i++ {
		data, err := os.ReadFile(a.path)
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0, fmt.Errorf("bad adc reading %q: %w", strings.TrimSpace(string(data)), err)
		}
		sum += float64(v)
	}
	return sum, nil
}
