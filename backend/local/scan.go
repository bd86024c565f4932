package local

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

var deviceAttrsDenylist = map[string]bool{"dev": true, "uevent": true, "name": true, "label": true}

// Buffer attributes driven by the backend itself
var bufferAttrsReserved = map[string]bool{"length": true, "enable": true, "watermark": true}

type attr struct {
	name string
	file string // relative to the device directory
}

type device struct {
	id, name, label string

	attrs       []string
	debugAttrs  []string
	bufferAttrs []string
	chans       []*channel
}

type channel struct {
	id     string
	name   string
	output bool
	scan   bool
	index  int64
	format string
	enable string // scan element enable file, relative to the device directory

	attrs     []attr
	protected []attr // scan element files, consumed during the scan
}

func (d *device) info() interfaces.DeviceInfo {
	di := interfaces.DeviceInfo{
		ID: d.id, Name: d.name, Label: d.label,
		Attrs:       d.attrs,
		DebugAttrs:  d.debugAttrs,
		BufferAttrs: d.bufferAttrs,
	}
	for _, c := range d.chans {
		ci := interfaces.ChannelInfo{
			ID: c.id, Name: c.name, Output: c.output,
			ScanElement: c.scan, Index: c.index, Format: c.format,
		}
		for _, a := range c.attrs {
			ci.Attrs = append(ci.Attrs, interfaces.ChannelAttr{Name: a.name, Filename: a.file})
		}
		di.Channels = append(di.Channels, ci)
	}
	return di
}

// listDir returns the names of the directories (dirs set) or regular
// files in path, following symlinks. A missing directory is empty.
func listDir(path string, dirs bool) ([]string, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errno(err)
	}

	var names []string
	for _, e := range entries {
		st, err := os.Stat(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, errno(err)
		}
		switch {
		case dirs && st.IsDir() && e.Name()[0] != '.':
		case !dirs && st.Mode().IsRegular():
		default:
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// ScanContexts reports the local context when the system has IIO
// devices. The description names the devices and the board.
func ScanContexts(opts Options) ([]iio.ContextDescription, error) {
	ids, err := listDir(opts.SysfsRoot, true)
	if err != nil {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return naturalLess(ids[i], ids[j]) })

	var names []string
	for _, id := range ids {
		if !strings.HasPrefix(id, "iio:device") {
			continue
		}
		name, err := readString(filepath.Join(opts.SysfsRoot, id, "name"))
		if err != nil || name == "" {
			name = id
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil
	}

	desc := "(" + strings.Join(names, ",") + ")"
	for _, f := range opts.MachineFiles {
		// The devicetree model is NUL terminated
		machine, err := readString(f)
		machine = strings.TrimRight(machine, "\x00")
		if err == nil && machine != "" {
			desc = "(" + strings.Join(names, ",") + " on " + machine + ")"
			break
		}
	}
	return []iio.ContextDescription{{URI: "local:", Description: desc}}, nil
}

// scan builds the device list from sysfs. It fails with ENOENT when the
// IIO subsystem is absent.
func scan(opts Options) ([]*device, error) {
	if _, err := os.Stat(opts.SysfsRoot); err != nil {
		return nil, errno(err)
	}
	ids, err := listDir(opts.SysfsRoot, true)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return naturalLess(ids[i], ids[j]) })

	var devs []*device
	for _, id := range ids {
		d, err := scanDevice(filepath.Join(opts.SysfsRoot, id))
		if err != nil {
			return nil, err
		}

		// debugfs is usually root-only; unreadable means no debug attrs
		if debug, err := listDir(filepath.Join(opts.DebugRoot, id), false); err == nil {
			sort.Strings(debug)
			d.debugAttrs = debug
		}

		devs = append(devs, d)
	}
	return devs, nil
}

func scanDevice(path string) (*device, error) {
	d := &device{id: filepath.Base(path)}
	d.name, _ = readString(filepath.Join(path, "name"))
	d.label, _ = readString(filepath.Join(path, "label"))

	files, err := listDir(path, false)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if !isChannel(f, true) {
			if !deviceAttrsDenylist[f] {
				d.attrs = append(d.attrs, f)
			}
			continue
		}
		if err := d.addChannel(f, f, false); err != nil {
			return nil, err
		}
	}

	files, err = listDir(filepath.Join(path, "buffer"), false)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if !bufferAttrsReserved[f] {
			d.bufferAttrs = append(d.bufferAttrs, f)
		}
	}
	sort.Strings(d.bufferAttrs)

	files, err = listDir(filepath.Join(path, "events"), false)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if isChannel(f, true) {
			if err := d.addChannel(f, "events/"+f, false); err != nil {
				return nil, err
			}
		}
	}

	files, err = listDir(filepath.Join(path, "scan_elements"), false)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := d.addChannel(f, "scan_elements/"+f, true); err != nil {
			return nil, err
		}
	}

	for _, c := range d.chans {
		c.setName()
		if err := c.handleScanElements(path); err != nil {
			return nil, err
		}
	}

	if err := d.moveGlobalAttrs(); err != nil {
		return nil, err
	}

	for _, c := range d.chans {
		sort.Slice(c.attrs, func(i, j int) bool { return c.attrs[i].name < c.attrs[j].name })
	}
	sort.Strings(d.attrs)
	sort.SliceStable(d.chans, func(i, j int) bool {
		a, b := d.chans[i], d.chans[j]
		if a.scan != b.scan {
			return a.scan
		}
		if a.scan {
			return a.index < b.index
		}
		return a.id < b.id
	})
	return d, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func hasModifier(s string) (int, bool) {
	m, n := iio.ModifierPrefix(s)
	return n, m != iio.ModNone
}

// isChannel reports whether a sysfs file name belongs to a channel. The
// strict form requires an indexed or modified channel id.
func isChannel(attr string, strict bool) bool {
	if strings.HasPrefix(attr, "in_timestamp_") {
		return true
	}
	var rest string
	switch {
	case strings.HasPrefix(attr, "in_"):
		rest = attr[3:]
	case strings.HasPrefix(attr, "out_"):
		rest = attr[4:]
	default:
		return false
	}
	i := strings.IndexByte(rest, '_')
	if i < 0 {
		return false
	}
	if !strict {
		return true
	}
	if i > 0 && isDigit(rest[i-1]) {
		return true
	}
	_, ok := hasModifier(rest[i+1:])
	return ok
}

// channelID extracts the channel id from a file name: "in_voltage0_raw"
// gives "voltage0", "in_accel_x_raw" gives "accel_x".
func channelID(attr string) string {
	_, rest, _ := strings.Cut(attr, "_")
	i := strings.IndexByte(rest, '_')
	if i < 0 {
		return rest
	}
	if n, ok := hasModifier(rest[i+1:]); ok {
		i += n + 1
	}
	return rest[:i]
}

// shortName strips the direction, channel id, modifier and channel name
// from a file name, leaving the attribute name.
func (c *channel) shortName(attr string) string {
	_, rest, _ := strings.Cut(attr, "_")
	_, rest, ok := strings.Cut(rest, "_")
	if !ok {
		return attr
	}
	if n, ok := hasModifier(rest); ok && n < len(rest) {
		rest = rest[n+1:]
	}
	if c.name != "" && strings.HasPrefix(rest, c.name+"_") {
		rest = rest[len(c.name)+1:]
	}
	return rest
}

func (c *channel) addAttr(file, path string, scan bool) {
	a := attr{name: c.shortName(file), file: path}
	if scan {
		c.protected = append(c.protected, a)
	} else {
		c.attrs = append(c.attrs, a)
	}
}

func (d *device) addChannel(file, path string, scan bool) error {
	id := channelID(file)
	output := file[0] == 'o'

	for _, c := range d.chans {
		if c.id == id && c.output == output {
			c.addAttr(file, path, scan)
			c.scan = c.scan || scan
			return nil
		}
	}

	if !output && !strings.HasPrefix(file, "in_") {
		return unix.EINVAL
	}
	c := &channel{id: id, output: output, scan: scan, index: -1}
	c.addAttr(file, path, scan)
	d.chans = append(d.chans, c)
	return nil
}

// setName derives the channel name from the prefix shared by all its
// attributes, "vccint" for in_voltage0_vccint_raw and
// in_voltage0_vccint_scale, and strips it from them.
func (c *channel) setName() {
	all := append(append([]attr(nil), c.attrs...), c.protected...)
	if len(all) < 2 {
		return
	}

	attr0 := all[0].name
	prefix := 0
	for from := 0; ; {
		i := strings.IndexByte(attr0[from:], '_')
		if i < 0 {
			break
		}
		n := from + i + 1
		shared := true
		for _, a := range all[1:] {
			if !strings.HasPrefix(a.name, attr0[:n]) {
				shared = false
				break
			}
		}
		if !shared {
			break
		}
		prefix = n
		from = n
	}
	if prefix == 0 {
		return
	}

	c.name = attr0[:prefix-1]
	for i := range c.attrs {
		c.attrs[i].name = c.attrs[i].name[prefix:]
	}
	for i := range c.protected {
		c.protected[i].name = c.protected[i].name[prefix:]
	}
}

// handleScanElements reads the index, type and enable files of a scan
// element.
func (c *channel) handleScanElements(devPath string) error {
	for _, a := range c.protected {
		switch a.name {
		case "index":
			s, err := readString(filepath.Join(devPath, a.file))
			if err != nil {
				continue
			}
			v, err := strconv.ParseInt(s, 0, 64)
			if err != nil || v < 0 {
				return unix.EINVAL
			}
			c.index = v
		case "type":
			s, err := readString(filepath.Join(devPath, a.file))
			if err == nil {
				c.format = s
			}
		case "en":
			if c.enable != "" {
				return unix.EINVAL
			}
			c.enable = a.file
		default:
			return unix.EINVAL
		}
	}
	c.protected = nil
	return nil
}

// globalLevel tells whether a device attribute is shared by the channel:
// 0 when not, 1 for a type-wide attribute such as in_voltage_scale, 2 for
// one restricted to channels of the same name.
func (c *channel) globalLevel(attr string) int {
	switch {
	case !c.output && strings.HasPrefix(attr, "in_"):
		attr = attr[3:]
	case c.output && strings.HasPrefix(attr, "out_"):
		attr = attr[4:]
	default:
		return 0
	}

	n := strings.IndexByte(attr, '_')
	if n < 0 {
		return 0
	}

	// Differential type-wide attributes: in_voltage-voltage_scale
	if dash := strings.IndexByte(attr[:n], '-'); dash > 0 {
		len1, len2 := dash, n-dash-1
		idDash := strings.IndexByte(c.id, '-')
		if idDash >= 0 && len(c.id)-idDash-1 > len2 && idDash > len1 &&
			isDigit(c.id[len1]) && c.id[:len1] == attr[:len1] &&
			isDigit(c.id[idDash+1+len2]) && c.id[idDash+1:idDash+1+len2] == attr[dash+1:n] {
			return 1
		}
	}

	if len(c.id) <= n || c.id[:n] != attr[:n] {
		return 0
	}

	switch {
	case isDigit(c.id[n]):
		if c.name != "" && strings.HasPrefix(attr[n+1:], c.name+"_") {
			return 2
		}
		return 1
	case c.id[n] != '_':
		return 0
	}
	if _, ok := hasModifier(c.id[n+1:]); ok {
		return 1
	}
	return 0
}

// moveGlobalAttrs hands device attributes shared by channels over to
// them, then turns the remaining channel-like attributes into channels
// without a scan index.
func (d *device) moveGlobalAttrs() error {
	var kept []string
	for _, a := range d.attrs {
		matched := false
		for _, level := range []int{2, 1} {
			for _, c := range d.chans {
				if c.globalLevel(a) == level {
					c.addAttr(a, a, false)
					matched = true
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			kept = append(kept, a)
		}
	}

	d.attrs = nil
	for _, a := range kept {
		if isChannel(a, false) {
			if err := d.addChannel(a, a, false); err != nil {
				return err
			}
			continue
		}
		d.attrs = append(d.attrs, a)
	}
	return nil
}

// naturalLess orders "iio:device2" before "iio:device10".
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		if isDigit(a[0]) && isDigit(b[0]) {
			i, j := 0, 0
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			x, _ := strconv.ParseUint(a[:i], 10, 64)
			y, _ := strconv.ParseUint(b[:j], 10, 64)
			if x != y {
				return x < y
			}
			a, b = a[i:], b[j:]
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}
