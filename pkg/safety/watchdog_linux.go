//go:build linux

package safety

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Linux watchdog device ioctls (include/uapi/linux/watchdog.h)
const (
	wdiocKeepAlive  = 0x80045705 // WDIOC_KEEPALIVE
	wdiocSetTimeout = 0xc0045706 // WDIOC_SETTIMEOUT
)

// HardwareWatchdog pets a Linux watchdog character device. If the
// process wedges hard enough that even the software watchdog goroutine
// stops running, the kernel driver resets the board and de-energizes
// the heater outputs.
type HardwareWatchdog struct {
	f *os.File
}

// OpenHardwareWatchdog opens the watchdog device (normally
// /dev/watchdog) and programs its timeout in seconds.
func OpenHardwareWatchdog(path string, timeoutSec int) (*HardwareWatchdog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open watchdog %s: %w", path, err)
	}
	if timeoutSec > 0 {
		v := timeoutSec
		if err := unix.IoctlSetPointerInt(int(f.Fd()), wdiocSetTimeout, v); err != nil {
			f.Close()
			return nil, fmt.Errorf("set watchdog timeout: %w", err)
		}
	}
	return &HardwareWatchdog{f: f}, nil
}

// Pet implements Petter.
func (w *HardwareWatchdog) Pet() error {
	_, err := unix.IoctlGetInt(int(w.f.Fd()), wdiocKeepAlive)
	if err != nil {
		return fmt.Errorf("watchdog keepalive: %w", err)
	}
	return nil
}

// Close disarms the watchdog with the magic close character, then
// closes the device. Without the magic byte many drivers treat close
// as a crash and reset the board.
func (w *HardwareWatchdog) Close() error {
	if _, err := w.f.Write([]byte("V")); err != nil {
		w.f.Close()
		return fmt.Errorf("watchdog magic close: %w", err)
	}
	return w.f.Close()
}
