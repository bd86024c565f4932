package serial

import (
	"os"
	"path/filepath"
	"sort"

	iio "github.com/ehrlich-b/go-iio"
)

// ByIDDir holds the udev symlinks naming the serial ports by their USB
// identity.
var ByIDDir = "/dev/serial/by-id"

// ScanPorts lists the serial ports found under dir. Ports are not opened:
// each one is offered with the default line settings.
func ScanPorts(dir string) ([]iio.ContextDescription, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}

	var found []iio.ContextDescription
	for _, e := range entries {
		port, err := filepath.EvalSymlinks(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		found = append(found, iio.ContextDescription{
			URI:         "serial:" + port + ",115200,8n1",
			Description: e.Name(),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].URI < found[j].URI })
	return found, nil
}

func scan(args string, p iio.BackendParams) ([]iio.ContextDescription, error) {
	return ScanPorts(ByIDDir)
}
