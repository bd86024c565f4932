package iiod

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/xmlctx"
)

// Client speaks the IIOD protocol over one transport. It negotiates the
// binary dialect on creation and falls back to the text dialect when the
// server does not know it.
type Client struct {
	conn Transport
	rd   *bufio.Reader
	log  *logging.Logger

	// mu serializes text commands and RPCs on the default IO.
	mu      sync.Mutex
	timeout time.Duration
	resp    *Responder
	dflt    *IO
	info    *interfaces.ContextInfo

	evMu     sync.Mutex
	nextEvID uint16
}

// NewClient negotiates the dialect on conn and applies timeout to both
// ends. The client owns conn from then on.
func NewClient(conn Transport, timeout time.Duration, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Default()
	}
	c := &Client{
		conn:     conn,
		rd:       bufio.NewReader(conn),
		log:      log,
		nextEvID: constants.EventStreamFirstID,
	}

	conn.SetTimeout(timeout)
	if err := c.enableBinary(); err != nil {
		return nil, err
	}

	if err := c.SetTimeout(timeout); err != nil {
		c.shutdown()
		return nil, err
	}
	return c, nil
}

func (c *Client) enableBinary() error {
	ret, err := c.execText("BINARY\r\n")
	if err != nil || ret != 0 {
		// Old servers answer EINVAL; stay on the text dialect
		c.log.Debug("iiod text dialect", "ret", ret, "error", err)
		return nil
	}

	c.resp = NewResponder(c.rd, c.conn, nil, c.log)
	c.dflt = c.resp.CreateIO(0)
	c.log.Debug("iiod binary dialect")
	return nil
}

// Binary reports whether the binary dialect is in use.
func (c *Client) Binary() bool { return c.resp != nil }

// Responder returns the binary dialect multiplexer, nil in text mode.
func (c *Client) Responder() *Responder { return c.resp }

// SetInfo gives the client the context description, which the text
// dialect needs to map trigger names back to devices.
func (c *Client) SetInfo(info *interfaces.ContextInfo) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

// SetTimeout applies d locally and asks the server to use half of it for
// its own backend. Zero disables timeouts.
func (c *Client) SetTimeout(d time.Duration) error {
	remote := int32(d.Milliseconds() / 2)

	if c.Binary() {
		c.conn.SetTimeout(0)
		c.resp.SetTimeout(d)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.timeout = d
		c.dflt.SetTimeout(d)
		return CodeErr(c.dflt.ExecSimple(Command{Op: OpTimeout, Code: remote}))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
	c.conn.SetTimeout(d)

	_, err := c.execTextErr(fmt.Sprintf("TIMEOUT %d\r\n", remote))
	if err == unix.EINVAL {
		// tinyiiod has no TIMEOUT command
		c.log.Debug("unable to set remote timeout")
		return nil
	}
	return err
}

// Timeout returns the current client timeout.
func (c *Client) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Client) writeText(s string) error {
	_, err := io.WriteString(c.conn, s)
	return err
}

// readInteger reads one reply line and parses its leading integer. Empty
// lines before the number are skipped.
func (c *Client) readInteger() (int, error) {
	for {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			return 0, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		return parseLeadingInt(line)
	}
}

// parseLeadingInt parses a decimal integer prefix the way strtol does,
// ignoring anything after it.
func parseLeadingInt(s string) (int, error) {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, unix.EINVAL
	}
	v, err := strconv.ParseInt(s[:end], 10, 32)
	if err != nil {
		return 0, unix.EINVAL
	}
	return int(v), nil
}

// execText sends a text command and returns the integer reply as is.
func (c *Client) execText(cmd string) (int, error) {
	if err := c.writeText(cmd); err != nil {
		return 0, err
	}
	return c.readInteger()
}

// execTextErr is execText with a negative reply turned into an errno.
func (c *Client) execTextErr(cmd string) (int, error) {
	ret, err := c.execText(cmd)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, unix.Errno(-ret)
	}
	return ret, nil
}

func (c *Client) readAll(p []byte) error {
	_, err := io.ReadFull(c.rd, p)
	return err
}

func (c *Client) discard(n int) error {
	_, err := c.rd.Discard(n)
	return err
}

// Version returns the server version. Only the text dialect has a
// VERSION command; binary servers yield ENOSYS.
func (c *Client) Version() (major, minor uint, tag string, err error) {
	if c.Binary() {
		return 0, 0, "", unix.ENOSYS
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err = c.writeText("VERSION\r\n"); err != nil {
		return 0, 0, "", err
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return 0, 0, "", err
	}
	return parseVersion(strings.TrimRight(line, "\r\n"))
}

func parseVersion(s string) (major, minor uint, tag string, err error) {
	if n, perr := parseLeadingInt(s); perr == nil && n < 0 {
		return 0, 0, "", unix.Errno(-n)
	}

	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return 0, 0, "", unix.EPROTO
	}
	ma, err1 := strconv.ParseUint(parts[0], 10, 32)
	mi, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, "", unix.EPROTO
	}
	if len(parts) == 3 {
		tag = strings.TrimSpace(parts[2])
	}
	return uint(ma), uint(mi), tag, nil
}

// ContextXML fetches the XML description of the remote context,
// decompressing it when the server sent a zstd frame.
func (c *Client) ContextXML() ([]byte, error) {
	if c.Binary() {
		buf := make([]byte, constants.MaxXMLSize)

		c.mu.Lock()
		code := c.dflt.Exec(Command{Op: OpPrint}, nil, buf)
		c.mu.Unlock()
		if code < 0 {
			return nil, CodeErr(code)
		}
		return maybeDecompress(buf[:code])
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.printText("ZPRINT\r\n")
	if err == unix.EINVAL {
		return c.printText("PRINT\r\n")
	}
	if err != nil {
		return nil, err
	}
	return maybeDecompress(data)
}

func (c *Client) printText(cmd string) ([]byte, error) {
	n, err := c.execTextErr(cmd)
	if err != nil {
		return nil, err
	}
	if n > constants.MaxXMLSize {
		return nil, unix.EFBIG
	}

	// The payload is followed by a newline
	data := make([]byte, n+1)
	if err := c.readAll(data); err != nil {
		return nil, err
	}
	return data[:n], nil
}

func maybeDecompress(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, []byte("<?xml")) {
		return data, nil
	}
	return decompress(data)
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(constants.MaxXMLSize*16))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, unix.EIO
	}
	return out, nil
}

// ContextInfo fetches and parses the remote context description.
func (c *Client) ContextInfo() (*interfaces.ContextInfo, error) {
	data, err := c.ContextXML()
	if err != nil {
		return nil, err
	}
	info, err := xmlctx.Parse(data)
	if err != nil {
		return nil, err
	}
	c.SetInfo(info)
	return info, nil
}

// attrTarget renders the text dialect location of an attribute.
func attrTarget(ref interfaces.AttrRef) (string, error) {
	switch ref.Type {
	case interfaces.AttrChannel:
		dir := "INPUT"
		if ref.Output {
			dir = "OUTPUT"
		}
		return fmt.Sprintf("%s %s %s %s", ref.DevID, dir, ref.ChanID, ref.Name), nil
	case interfaces.AttrDevice:
		return fmt.Sprintf("%s %s", ref.DevID, ref.Name), nil
	case interfaces.AttrDebug:
		return fmt.Sprintf("%s DEBUG %s", ref.DevID, ref.Name), nil
	case interfaces.AttrBuffer:
		return fmt.Sprintf("%s BUFFER %s", ref.DevID, ref.Name), nil
	}
	return "", unix.EINVAL
}

// attrCommand builds the binary dialect header of an attribute access.
func attrCommand(ref interfaces.AttrRef, write bool) (Command, error) {
	cmd := Command{Dev: uint8(ref.Dev)}
	lo := 0

	switch ref.Type {
	case interfaces.AttrChannel:
		cmd.Op = OpReadChnAttr
		lo = ref.Chan
	case interfaces.AttrDevice:
		cmd.Op = OpReadAttr
	case interfaces.AttrDebug:
		cmd.Op = OpReadDbgAttr
	case interfaces.AttrBuffer:
		cmd.Op = OpReadBufAttr
		lo = ref.Buf
	default:
		return Command{}, unix.EINVAL
	}
	if write {
		// Write opcodes mirror the read ones, four slots further
		cmd.Op += OpWriteAttr - OpReadAttr
	}
	cmd.Code = argCode(ref.Index, lo)
	return cmd, nil
}

// ReadAttr reads an attribute into dst and returns its length.
func (c *Client) ReadAttr(ref interfaces.AttrRef, dst []byte) (int, error) {
	if c.Binary() {
		cmd, err := attrCommand(ref, false)
		if err != nil {
			return 0, err
		}

		c.mu.Lock()
		code := c.dflt.Exec(cmd, nil, dst)
		c.mu.Unlock()
		if code < 0 {
			return 0, CodeErr(code)
		}
		if int(code) > len(dst) {
			return len(dst), nil
		}
		return int(code), nil
	}

	target, err := attrTarget(ref)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.execTextErr("READ " + target + "\r\n")
	if err != nil {
		return 0, err
	}

	// +1 for the trailing newline
	if n+1 > len(dst) {
		if err := c.discard(n + 1); err != nil {
			return 0, err
		}
		return 0, unix.EIO
	}
	if err := c.readAll(dst[:n+1]); err != nil {
		return 0, err
	}
	return n, nil
}

// WriteAttr writes src to an attribute and returns the number of bytes
// the server consumed.
func (c *Client) WriteAttr(ref interfaces.AttrRef, src []byte) (int, error) {
	if c.Binary() {
		cmd, err := attrCommand(ref, true)
		if err != nil {
			return 0, err
		}

		var length [8]byte
		binary.LittleEndian.PutUint64(length[:], uint64(len(src)))

		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.dflt.GetResponseAsync(); err != nil {
			return 0, err
		}
		if err := c.dflt.SendCommand(cmd, length[:], src); err != nil {
			c.dflt.Cancel()
			return 0, err
		}
		code := c.dflt.WaitForResponse()
		if code < 0 {
			return 0, CodeErr(code)
		}
		return int(code), nil
	}

	target, err := attrTarget(ref)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeText(fmt.Sprintf("WRITE %s %d\r\n", target, len(src))); err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(src); err != nil {
		return 0, err
	}
	ret, err := c.readInteger()
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, unix.Errno(-ret)
	}
	return ret, nil
}

// Trigger returns the index of the trigger assigned to device dev, or
// ENODEV when it has none.
func (c *Client) Trigger(dev int) (int, error) {
	if c.Binary() {
		c.mu.Lock()
		code := c.dflt.ExecSimple(Command{Op: OpGetTrig, Dev: uint8(dev)})
		c.mu.Unlock()
		if code < 0 {
			return -1, CodeErr(code)
		}
		return int(code), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.deviceID(dev)
	if err != nil {
		return -1, err
	}

	n, err := c.execTextErr("GETTRIG " + id + "\r\n")
	if err != nil {
		return -1, err
	}
	if n == 0 {
		return -1, unix.ENODEV
	}
	if n > 1023 {
		return -1, unix.EIO
	}

	name := make([]byte, n+1)
	if err := c.readAll(name); err != nil {
		return -1, err
	}
	trig := string(name[:n])
	if c.info == nil {
		return -1, unix.ENXIO
	}

	for i := range c.info.Devices {
		d := &c.info.Devices[i]
		if strings.HasPrefix(d.ID, "trigger") && d.Name != "" && d.Name == trig {
			return i, nil
		}
	}
	return -1, unix.ENXIO
}

// SetTrigger assigns trigger trig to device dev; -1 clears it.
func (c *Client) SetTrigger(dev, trig int) error {
	if c.Binary() {
		c.mu.Lock()
		defer c.mu.Unlock()
		return CodeErr(c.dflt.ExecSimple(Command{Op: OpSetTrig, Dev: uint8(dev), Code: int32(trig)}))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.deviceID(dev)
	if err != nil {
		return err
	}
	cmd := "SETTRIG " + id + "\r\n"
	if trig >= 0 {
		tid, err := c.deviceID(trig)
		if err != nil {
			return err
		}
		cmd = "SETTRIG " + id + " " + tid + "\r\n"
	}
	_, err = c.execTextErr(cmd)
	return err
}

// deviceID maps a device index to its id. Called with c.mu held.
func (c *Client) deviceID(dev int) (string, error) {
	if c.info == nil || dev < 0 || dev >= len(c.info.Devices) {
		return "", unix.ENODEV
	}
	return c.info.Devices[dev].ID, nil
}

// nextEventID hands out client ids for event streams, counting down from
// the top of the id space so they never meet block ids.
func (c *Client) nextEventID() uint16 {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	id := c.nextEvID
	c.nextEvID--
	return id
}

// Cancel aborts every pending and future operation on the transport. The
// client can only be closed afterwards.
func (c *Client) Cancel() {
	c.conn.Cancel()
}

// shutdown cancels the transport and stops the responder.
func (c *Client) shutdown() {
	if c.resp != nil {
		c.resp.Close()
	}
	c.conn.Cancel()
}

// Close shuts the client down and closes its transport.
func (c *Client) Close() error {
	c.shutdown()
	return c.conn.Close()
}
