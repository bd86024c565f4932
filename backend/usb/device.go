package usb

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
)

// interfaceName is the string descriptor of an IIO interface.
const interfaceName = "IIO"

// newContext starts libusb. gousb panics when libusb cannot initialize.
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx, err = nil, unix.EIO
		}
	}()
	return gousb.NewContext(), nil
}

// Open claims interface addr.Interface of the device at addr.Bus and
// addr.Addr and fetches the context description.
func Open(addr iio.USBAddress, timeout time.Duration, log *logging.Logger) (*Backend, *interfaces.ContextInfo, error) {
	if log == nil {
		log = logging.Default()
	}
	p, err := claim(addr, log)
	if err != nil {
		return nil, nil, err
	}
	return newBackend(p, timeout, log)
}

func claim(addr iio.USBAddress, log *logging.Logger) (*port, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, err
	}

	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == int(addr.Bus) && d.Address == int(addr.Addr)
	})
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			return nil, usbErrno(err)
		}
		return nil, unix.ENODEV
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]

	var (
		cfg  *gousb.Config
		intf *gousb.Interface
	)
	release := func() error {
		if intf != nil {
			intf.Close()
		}
		var err error
		if cfg != nil {
			err = cfg.Close()
		}
		if derr := dev.Close(); err == nil {
			err = derr
		}
		ctx.Close()
		return err
	}
	fail := func(msg string, err error) (*port, error) {
		log.Error(msg, "bus", addr.Bus, "addr", addr.Addr, "intf", addr.Interface, "error", err)
		release()
		return nil, usbErrno(err)
	}

	dev.ControlTimeout = pipeCtlTimeout
	if err := dev.SetAutoDetach(true); err != nil {
		log.Debug("kernel driver auto-detach unavailable", "error", err)
	}
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return fail("unable to get config descriptor", err)
	}
	if cfg, err = dev.Config(cfgNum); err != nil {
		return fail("unable to select configuration", err)
	}
	if intf, err = cfg.Interface(int(addr.Interface), 0); err != nil {
		return fail("unable to claim interface", err)
	}

	pairs, err := pairEndpoints(intf.Setting.Endpoints)
	if err != nil {
		return fail("invalid configuration of endpoints", err)
	}
	couples := make([]couple, len(pairs))
	for i, pr := range pairs {
		in, err := intf.InEndpoint(pr[0])
		if err != nil {
			return fail("unable to open IN endpoint", err)
		}
		out, err := intf.OutEndpoint(pr[1])
		if err != nil {
			return fail("unable to open OUT endpoint", err)
		}
		couples[i] = couple{in: in, out: out}
		log.Debug("endpoint couple", "pipe", i, "in", pr[0], "out", pr[1])
	}

	return &port{
		ctrl:    dev,
		intf:    uint16(addr.Interface),
		couples: couples,
		desc:    describe(dev),
		attrs:   deviceAttrs(dev, addr),
		release: release,
	}, nil
}

// pairEndpoints returns the IN and OUT endpoint numbers of each couple.
// Couples are ordered by endpoint number; every IN endpoint must have an
// OUT partner.
func pairEndpoints(eps map[gousb.EndpointAddress]gousb.EndpointDesc) ([][2]int, error) {
	if len(eps) < 2 || len(eps)%2 != 0 {
		return nil, unix.EINVAL
	}
	descs := make([]gousb.EndpointDesc, 0, len(eps))
	for _, d := range eps {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Number != descs[j].Number {
			return descs[i].Number < descs[j].Number
		}
		return descs[i].Direction == gousb.EndpointDirectionIn && descs[j].Direction == gousb.EndpointDirectionOut
	})

	pairs := make([][2]int, 0, len(descs)/2)
	for i := 0; i < len(descs); i += 2 {
		in, out := descs[i], descs[i+1]
		if in.Direction != gousb.EndpointDirectionIn || out.Direction != gousb.EndpointDirectionOut {
			return nil, unix.EINVAL
		}
		pairs = append(pairs, [2]int{in.Number, out.Number})
	}
	return pairs, nil
}

// stringDescriptors reads the identity strings of a device.
type stringDescriptors interface {
	Manufacturer() (string, error)
	Product() (string, error)
	SerialNumber() (string, error)
}

func deviceStrings(d stringDescriptors) (mfr, product, serial string) {
	mfr, _ = d.Manufacturer()
	product, _ = d.Product()
	serial, _ = d.SerialNumber()
	return
}

func describe(dev *gousb.Device) string {
	mfr, product, serial := deviceStrings(dev)
	return description(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product), mfr, product, serial)
}

func description(vid, pid uint16, mfr, product, serial string) string {
	return fmt.Sprintf("%04x:%04x (%s %s), serial=%s", vid, pid, mfr, product, serial)
}

func deviceAttrs(dev *gousb.Device, addr iio.USBAddress) []interfaces.ContextAttr {
	mfr, product, serial := deviceStrings(dev)
	spec := uint16(dev.Desc.Spec)
	return []interfaces.ContextAttr{
		{Name: "uri", Value: fmt.Sprintf("usb:%d.%d.%d", addr.Bus, addr.Addr, addr.Interface)},
		{Name: "usb,vendor", Value: mfr},
		{Name: "usb,product", Value: product},
		{Name: "usb,serial", Value: serial},
		{Name: "usb,idVendor", Value: fmt.Sprintf("%04x", uint16(dev.Desc.Vendor))},
		{Name: "usb,idProduct", Value: fmt.Sprintf("%04x", uint16(dev.Desc.Product))},
		{Name: "usb,release", Value: fmt.Sprintf("%x.%x", (spec>>8)&0xf, (spec>>4)&0xf)},
	}
}

// parseVIDPID parses the scan filter: empty, "vid:*" or "vid:pid" in
// hexadecimal. Zero matches any ID.
func parseVIDPID(s string) (vid, pid uint16, err error) {
	if s == "" {
		return 0, 0, nil
	}
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, unix.EINVAL
	}
	if vid, err = parseHex16(v); err != nil {
		return 0, 0, err
	}
	if p == "*" {
		return vid, 0, nil
	}
	if pid, err = parseHex16(p); err != nil {
		return 0, 0, err
	}
	return vid, pid, nil
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, unix.EINVAL
	}
	return uint16(v), nil
}

// matchIIO returns the number of the interface named "IIO" in the active
// configuration of dev.
func matchIIO(dev *gousb.Device) (int, bool) {
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return 0, false
	}
	cfg, ok := dev.Desc.Configs[cfgNum]
	if !ok {
		return 0, false
	}
	for _, intf := range cfg.Interfaces {
		for _, alt := range intf.AltSettings {
			name, err := dev.InterfaceDescription(cfgNum, intf.Number, alt.Alternate)
			if err == nil && name == interfaceName {
				return intf.Number, true
			}
		}
	}
	return 0, false
}

// ScanDevices lists the devices exposing an IIO interface. filter is empty,
// "vid:*" or "vid:pid".
func ScanDevices(filter string) ([]iio.ContextDescription, error) {
	vid, pid, err := parseVIDPID(filter)
	if err != nil {
		return nil, err
	}

	ctx, err := newContext()
	if err != nil {
		// A USB controller in device mode has no host side to scan
		if _, serr := os.Stat("/dev/bus/usb"); errors.Is(serr, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer ctx.Close()

	// Devices that fail to open are skipped
	devs, _ := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return (vid == 0 || uint16(d.Vendor) == vid) && (pid == 0 || uint16(d.Product) == pid)
	})

	var found []iio.ContextDescription
	for _, dev := range devs {
		if n, ok := matchIIO(dev); ok {
			found = append(found, iio.ContextDescription{
				URI:         fmt.Sprintf("usb:%d.%d.%d", dev.Desc.Bus, dev.Desc.Address, n),
				Description: describe(dev),
			})
		}
		dev.Close()
	}
	return found, nil
}

func scan(args string, p iio.BackendParams) ([]iio.ContextDescription, error) {
	return ScanDevices(args)
}
