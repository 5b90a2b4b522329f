//go:build !linux

package gps

import (
	"fmt"
	"os"
	"runtime"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("gps: serial receivers are not supported on %s (use source: gpsd)", runtime.GOOS)
}
