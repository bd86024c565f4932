package interfaces

// ContextInfo is the backend-neutral description of a context. Backends
// build it from sysfs, XML or the wire; the object model is built from it.
type ContextInfo struct {
	Name        string
	Description string
	Attrs       []ContextAttr
	Devices     []DeviceInfo

	Major, Minor uint
	Tag          string
}

// ContextAttr is a static context attribute.
type ContextAttr struct {
	Name  string
	Value string
}

// DeviceInfo describes one device.
type DeviceInfo struct {
	ID    string
	Name  string
	Label string

	Attrs       []string
	DebugAttrs  []string
	BufferAttrs []string
	Channels    []ChannelInfo
}

// ChannelInfo describes one channel.
type ChannelInfo struct {
	ID     string
	Name   string
	Output bool

	ScanElement bool
	Index       int64
	Format      string // e.g. "le:s12/16>>4"
	Scale       float64
	WithScale   bool
	Offset      float64

	Attrs []ChannelAttr
}

// ChannelAttr names a channel attribute and its backing file.
type ChannelAttr struct {
	Name     string
	Filename string
}

// FindDevice returns the index of the device with the given id or name.
func (c *ContextInfo) FindDevice(name string) int {
	for i := range c.Devices {
		if c.Devices[i].ID == name {
			return i
		}
	}
	for i := range c.Devices {
		if c.Devices[i].Name == name || (c.Devices[i].Label != "" && c.Devices[i].Label == name) {
			return i
		}
	}
	return -1
}
