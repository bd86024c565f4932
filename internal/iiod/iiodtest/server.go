// Package iiodtest provides an in-process IIOD server for tests. It
// speaks the text dialect and, unless disabled, switches to the binary
// dialect on request. Attributes live in memory, RX data follows a
// pattern and TX data is captured per device.
package iiodtest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/iiod"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/uapi"
	"github.com/ehrlich-b/go-iio/internal/xmlctx"
)

// Attribute scopes used as keys by SetAttr and Attr.
const (
	ScopeDevice = ""
	ScopeDebug  = "debug"
	ScopeBuffer = "buffer"
)

// ChannelScope returns the scope of a channel's attributes.
func ChannelScope(id string, output bool) string {
	if output {
		return "out:" + id
	}
	return "in:" + id
}

// Server is a fake IIOD. Configure the exported fields before the first
// connection.
type Server struct {
	// TextOnly refuses the BINARY command, like a legacy server.
	TextOnly bool
	// NoZPrint makes ZPRINT unknown so clients fall back to PRINT.
	NoZPrint bool
	// PlainPrint answers the binary PRINT with uncompressed XML.
	PlainPrint bool

	info *interfaces.ContextInfo
	xml  []byte
	log  *logging.Logger

	mu       sync.Mutex
	attrs    map[string]string
	triggers map[int]int
	tx       map[int][]byte
	events   map[int][]interfaces.Event
	waiters  map[int][]*iiod.IO
	fault    int32
	timeout  int
	cmds     []string

	conns []*iiod.FDConn
	wg    sync.WaitGroup
}

// New returns a server describing info.
func New(info *interfaces.ContextInfo) (*Server, error) {
	xml, err := xmlctx.Marshal(info)
	if err != nil {
		return nil, err
	}
	return &Server{
		info:     info,
		xml:      xml,
		log:      logging.Default(),
		attrs:    make(map[string]string),
		triggers: make(map[int]int),
		tx:       make(map[int][]byte),
		events:   make(map[int][]interfaces.Event),
		waiters:  make(map[int][]*iiod.IO),
	}, nil
}

func attrKey(devID, scope, name string) string {
	return devID + "/" + scope + "/" + name
}

// SetAttr stores an attribute value.
func (s *Server) SetAttr(devID, scope, name, value string) {
	s.mu.Lock()
	s.attrs[attrKey(devID, scope, name)] = value
	s.mu.Unlock()
}

// Attr returns a stored attribute value.
func (s *Server) Attr(devID, scope, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[attrKey(devID, scope, name)]
}

// TX returns a copy of everything written to device dev.
func (s *Server) TX(dev int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.tx[dev]...)
}

// Commands returns the text commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

// RemoteTimeout returns the last timeout requested by a client, in ms.
func (s *Server) RemoteTimeout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// FailNextTransfer makes the next block transfer answer code.
func (s *Server) FailNextTransfer(code int32) {
	s.mu.Lock()
	s.fault = code
	s.mu.Unlock()
}

// PushEvent delivers ev to device dev's event streams.
func (s *Server) PushEvent(dev int, ev interfaces.Event) {
	s.mu.Lock()
	if w := s.waiters[dev]; len(w) > 0 {
		rio := w[0]
		s.waiters[dev] = w[1:]
		s.mu.Unlock()
		_ = rio.SendResponse(uapi.EventSize, uapi.Marshal(&uapi.Event{ID: ev.ID, Timestamp: ev.Timestamp}))
		return
	}
	s.events[dev] = append(s.events[dev], ev)
	s.mu.Unlock()
}

// RXPattern is the data the server streams from input devices.
func RXPattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// Conn connects a new client transport to the server over a socket pair.
func (s *Server) Conn() (*iiod.FDConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	srv, err := iiod.NewFDConn(fds[1], 0)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	cli, err := iiod.NewFDConn(fds[0], 0)
	if err != nil {
		unix.Close(fds[0])
		srv.Close()
		return nil, err
	}

	s.start(srv)
	return cli, nil
}

// Serve accepts TCP connections on l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			return err
		}
		tc, ok := nc.(*net.TCPConn)
		if !ok {
			nc.Close()
			continue
		}
		f, err := tc.File()
		tc.Close()
		if err != nil {
			continue
		}
		fd, err := unix.Dup(int(f.Fd()))
		f.Close()
		if err != nil {
			continue
		}
		conn, err := iiod.NewFDConn(fd, 0)
		if err != nil {
			unix.Close(fd)
			continue
		}
		s.start(conn)
	}
}

// ServeConn runs a session on an already connected transport, e.g. the
// master side of a pseudo-terminal. The server owns conn afterwards.
func (s *Server) ServeConn(conn *iiod.FDConn) {
	s.start(conn)
}

func (s *Server) start(conn *iiod.FDConn) {
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(conn)
}

// Close disconnects every client and waits for the sessions to end.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Cancel()
	}
	s.wg.Wait()
	for _, c := range conns {
		c.Close()
	}
}

type session struct {
	s    *Server
	conn *iiod.FDConn
	rd   *bufio.Reader

	// text dialect
	masks map[string]string

	// binary dialect
	blocks map[uint64]*block
}

type block struct {
	size      int
	bytesUsed int
}

func (s *Server) serve(conn *iiod.FDConn) {
	defer s.wg.Done()

	ss := &session{
		s:      s,
		conn:   conn,
		rd:     bufio.NewReader(conn),
		masks:  make(map[string]string),
		blocks: make(map[uint64]*block),
	}

	for {
		line, err := ss.rd.ReadString('\n')
		if err != nil {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		s.mu.Lock()
		s.cmds = append(s.cmds, strings.TrimSpace(line))
		s.mu.Unlock()

		if args[0] == "BINARY" && !s.TextOnly {
			if ss.reply(0) != nil {
				return
			}
			ss.serveBinary()
			return
		}
		if err := ss.text(args); err != nil {
			return
		}
	}
}

func (ss *session) reply(n int) error {
	_, err := io.WriteString(ss.conn, strconv.Itoa(n)+"\n")
	return err
}

func (ss *session) replyErr(errno unix.Errno) error {
	return ss.reply(-int(errno))
}

func (ss *session) replyData(p []byte) error {
	if err := ss.reply(len(p)); err != nil {
		return err
	}
	_, err := ss.conn.Write(append(p, '\n'))
	return err
}

func (s *Server) deviceByID(id string) int {
	for i := range s.info.Devices {
		if s.info.Devices[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Server) isTX(dev int) bool {
	for _, c := range s.info.Devices[dev].Channels {
		if c.Output && c.ScanElement {
			return true
		}
	}
	return false
}

// textAttr splits "dev [INPUT|OUTPUT chan|DEBUG|BUFFER] name" into a key.
func textAttr(args []string) (devID, scope, name string, rest []string, err error) {
	if len(args) < 2 {
		return "", "", "", nil, unix.EINVAL
	}
	devID = args[0]
	switch args[1] {
	case "INPUT", "OUTPUT":
		if len(args) < 4 {
			return "", "", "", nil, unix.EINVAL
		}
		return devID, ChannelScope(args[2], args[1] == "OUTPUT"), args[3], args[4:], nil
	case "DEBUG", "BUFFER":
		if len(args) < 3 {
			return "", "", "", nil, unix.EINVAL
		}
		return devID, strings.ToLower(args[1]), args[2], args[3:], nil
	}
	return devID, ScopeDevice, args[1], args[2:], nil
}

func (ss *session) text(args []string) error {
	s := ss.s

	switch args[0] {
	case "BINARY":
		return ss.replyErr(unix.EINVAL)

	case "VERSION":
		_, err := fmt.Fprintf(ss.conn, "%d.%d.%s\n", constants.VersionMajor, constants.VersionMinor, constants.VersionTag)
		return err

	case "TIMEOUT":
		if len(args) != 2 {
			return ss.replyErr(unix.EINVAL)
		}
		ms, err := strconv.Atoi(args[1])
		if err != nil {
			return ss.replyErr(unix.EINVAL)
		}
		s.mu.Lock()
		s.timeout = ms
		s.mu.Unlock()
		return ss.reply(0)

	case "PRINT":
		return ss.replyData(append([]byte(nil), s.xml...))

	case "ZPRINT":
		if s.NoZPrint {
			return ss.replyErr(unix.EINVAL)
		}
		return ss.replyData(compress(s.xml))

	case "READ":
		devID, scope, name, _, err := textAttr(args[1:])
		if err != nil {
			return ss.replyErr(unix.EINVAL)
		}
		s.mu.Lock()
		v, ok := s.attrs[attrKey(devID, scope, name)]
		s.mu.Unlock()
		if !ok {
			return ss.replyErr(unix.ENOENT)
		}
		return ss.replyData([]byte(v))

	case "WRITE":
		devID, scope, name, rest, err := textAttr(args[1:])
		if err != nil || len(rest) != 1 {
			return ss.replyErr(unix.EINVAL)
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return ss.replyErr(unix.EINVAL)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(ss.rd, data); err != nil {
			return err
		}
		s.SetAttr(devID, scope, name, string(data))
		return ss.reply(n)

	case "GETTRIG":
		if len(args) != 2 {
			return ss.replyErr(unix.EINVAL)
		}
		dev := s.deviceByID(args[1])
		if dev < 0 {
			return ss.replyErr(unix.ENODEV)
		}
		s.mu.Lock()
		trig, ok := s.triggers[dev]
		s.mu.Unlock()
		if !ok {
			return ss.reply(0)
		}
		return ss.replyData([]byte(s.info.Devices[trig].Name))

	case "SETTRIG":
		if len(args) < 2 {
			return ss.replyErr(unix.EINVAL)
		}
		dev := s.deviceByID(args[1])
		if dev < 0 {
			return ss.replyErr(unix.ENODEV)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(args) == 2 {
			delete(s.triggers, dev)
			return ss.reply(0)
		}
		trig := s.deviceByID(args[2])
		if trig < 0 {
			return ss.replyErr(unix.ENODEV)
		}
		s.triggers[dev] = trig
		return ss.reply(0)

	case "OPEN":
		if len(args) < 4 || s.deviceByID(args[1]) < 0 {
			return ss.replyErr(unix.EINVAL)
		}
		if _, busy := ss.masks[args[1]]; busy {
			return ss.replyErr(unix.EBUSY)
		}
		ss.masks[args[1]] = args[3]
		return ss.reply(0)

	case "CLOSE":
		if len(args) != 2 {
			return ss.replyErr(unix.EINVAL)
		}
		if _, ok := ss.masks[args[1]]; !ok {
			return ss.replyErr(unix.EBADF)
		}
		delete(ss.masks, args[1])
		return ss.reply(0)

	case "READBUF":
		if len(args) != 3 {
			return ss.replyErr(unix.EINVAL)
		}
		mask, ok := ss.masks[args[1]]
		if !ok {
			return ss.replyErr(unix.EBADF)
		}
		n, err := strconv.Atoi(args[2])
		if err != nil || n <= 0 {
			return ss.replyErr(unix.EINVAL)
		}
		if err := ss.reply(n); err != nil {
			return err
		}
		if _, err := io.WriteString(ss.conn, mask+"\n"); err != nil {
			return err
		}
		_, err = ss.conn.Write(RXPattern(n))
		return err

	case "WRITEBUF":
		if len(args) != 3 {
			return ss.replyErr(unix.EINVAL)
		}
		if _, ok := ss.masks[args[1]]; !ok {
			return ss.replyErr(unix.EBADF)
		}
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 0 {
			return ss.replyErr(unix.EINVAL)
		}
		if err := ss.reply(n); err != nil {
			return err
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(ss.rd, data); err != nil {
			return err
		}
		dev := s.deviceByID(args[1])
		s.mu.Lock()
		s.tx[dev] = append(s.tx[dev], data...)
		s.mu.Unlock()
		return ss.reply(n)
	}

	return ss.replyErr(unix.EINVAL)
}

func compress(data []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func (ss *session) serveBinary() {
	resp := iiod.NewResponder(ss.rd, ss.conn, ss.command, ss.s.log)
	<-resp.Done()

	// Unblock anything still parked on this session
	ss.s.mu.Lock()
	for dev, w := range ss.s.waiters {
		kept := w[:0]
		for _, rio := range w {
			if rio.Responder() != resp {
				kept = append(kept, rio)
			}
		}
		ss.s.waiters[dev] = kept
	}
	ss.s.mu.Unlock()

	ss.conn.Cancel()
	resp.Close()
}

func blockKey(dev uint8, code int32) uint64 {
	return uint64(dev)<<32 | uint64(uint32(code))
}

// command handles one binary request. Errors stop the session.
func (ss *session) command(r *iiod.Responder, cmd iiod.Command) error {
	s := ss.s
	rio := r.CreateIO(cmd.ClientID)

	if int(cmd.Dev) >= len(s.info.Devices) && cmd.Op != iiod.OpPrint && cmd.Op != iiod.OpTimeout {
		return rio.SendResponse(-int32(unix.ENODEV))
	}
	dev := int(cmd.Dev)

	switch cmd.Op {
	case iiod.OpPrint:
		if s.PlainPrint {
			return rio.SendResponse(int32(len(s.xml)), s.xml)
		}
		z := compress(s.xml)
		return rio.SendResponse(int32(len(z)), z)

	case iiod.OpTimeout:
		s.mu.Lock()
		s.timeout = int(cmd.Code)
		s.mu.Unlock()
		return rio.SendResponse(0)

	case iiod.OpReadAttr, iiod.OpReadDbgAttr, iiod.OpReadBufAttr, iiod.OpReadChnAttr:
		key, ok := s.binaryAttr(cmd.Op, dev, cmd.Code)
		if !ok {
			return rio.SendResponse(-int32(unix.ENOENT))
		}
		s.mu.Lock()
		v, ok := s.attrs[key]
		s.mu.Unlock()
		if !ok {
			return rio.SendResponse(-int32(unix.ENOENT))
		}
		return rio.SendResponse(int32(len(v)), []byte(v))

	case iiod.OpWriteAttr, iiod.OpWriteDbgAttr, iiod.OpWriteBufAttr, iiod.OpWriteChnAttr:
		var hdr [8]byte
		if err := r.ReadData(hdr[:]); err != nil {
			return err
		}
		data := make([]byte, binary.LittleEndian.Uint64(hdr[:]))
		if err := r.ReadData(data); err != nil {
			return err
		}
		key, ok := s.binaryAttr(cmd.Op-(iiod.OpWriteAttr-iiod.OpReadAttr), dev, cmd.Code)
		if !ok {
			return rio.SendResponse(-int32(unix.ENOENT))
		}
		s.mu.Lock()
		s.attrs[key] = string(data)
		s.mu.Unlock()
		return rio.SendResponse(int32(len(data)))

	case iiod.OpGetTrig:
		s.mu.Lock()
		trig, ok := s.triggers[dev]
		s.mu.Unlock()
		if !ok {
			return rio.SendResponse(-int32(unix.ENODEV))
		}
		return rio.SendResponse(int32(trig))

	case iiod.OpSetTrig:
		s.mu.Lock()
		if cmd.Code < 0 {
			delete(s.triggers, dev)
		} else {
			s.triggers[dev] = int(cmd.Code)
		}
		s.mu.Unlock()
		return rio.SendResponse(0)

	case iiod.OpCreateBuffer:
		nb := len(s.info.Devices[dev].Channels)
		words := make([]byte, 4*((nb+31)/32))
		if err := r.ReadData(words); err != nil {
			return err
		}
		// Channels past the last one do not exist
		if rem := nb % 32; rem != 0 {
			last := words[len(words)-4:]
			binary.LittleEndian.PutUint32(last, binary.LittleEndian.Uint32(last)&(1<<rem-1))
		}
		return rio.SendResponse(int32(len(words)), words)

	case iiod.OpFreeBuffer, iiod.OpEnableBuffer, iiod.OpDisableBuffer:
		return rio.SendResponse(0)

	case iiod.OpCreateBlock:
		var hdr [8]byte
		if err := r.ReadData(hdr[:]); err != nil {
			return err
		}
		ss.blocks[blockKey(cmd.Dev, cmd.Code)] = &block{size: int(binary.LittleEndian.Uint64(hdr[:]))}
		return rio.SendResponse(0)

	case iiod.OpFreeBlock:
		delete(ss.blocks, blockKey(cmd.Dev, cmd.Code))
		return rio.SendResponse(0)

	case iiod.OpTransferBlock, iiod.OpEnqueueBlockCyclic:
		var hdr [8]byte
		if err := r.ReadData(hdr[:]); err != nil {
			return err
		}
		used := int(binary.LittleEndian.Uint64(hdr[:]))

		blk, ok := ss.blocks[blockKey(cmd.Dev, cmd.Code)]
		tx := s.isTX(dev)
		if tx {
			data := make([]byte, used)
			if err := r.ReadData(data); err != nil {
				return err
			}
			if ok {
				s.mu.Lock()
				s.tx[dev] = append(s.tx[dev], data...)
				s.mu.Unlock()
			}
		}
		if !ok || used > blk.size {
			return rio.SendResponse(-int32(unix.EINVAL) << 16)
		}
		blk.bytesUsed = used

		s.mu.Lock()
		fault := s.fault
		s.fault = 0
		s.mu.Unlock()
		if fault != 0 {
			return rio.SendResponse(fault)
		}
		return ss.complete(rio, tx, used)

	case iiod.OpRetryDequeueBlock:
		blk, ok := ss.blocks[blockKey(cmd.Dev, cmd.Code)]
		if !ok {
			return rio.SendResponse(-int32(unix.EINVAL) << 16)
		}
		return ss.complete(rio, s.isTX(dev), blk.bytesUsed)

	case iiod.OpCreateEvstream:
		return rio.SendResponse(0)

	case iiod.OpFreeEvstream:
		id := uint16(cmd.Code)
		var dropped []*iiod.IO
		s.mu.Lock()
		w := s.waiters[dev]
		kept := w[:0]
		for _, e := range w {
			if e.Responder() == r && e.ClientID() == id {
				dropped = append(dropped, e)
				continue
			}
			kept = append(kept, e)
		}
		s.waiters[dev] = kept
		s.mu.Unlock()
		for _, e := range dropped {
			_ = e.SendResponse(-int32(unix.EBADF))
		}
		return rio.SendResponse(0)

	case iiod.OpReadEvent:
		s.mu.Lock()
		if q := s.events[dev]; len(q) > 0 {
			ev := q[0]
			s.events[dev] = q[1:]
			s.mu.Unlock()
			return rio.SendResponse(uapi.EventSize, uapi.Marshal(&uapi.Event{ID: ev.ID, Timestamp: ev.Timestamp}))
		}
		s.waiters[dev] = append(s.waiters[dev], rio)
		s.mu.Unlock()
		return nil
	}

	return rio.SendResponse(-int32(unix.EINVAL))
}

func (ss *session) complete(rio *iiod.IO, tx bool, used int) error {
	if tx {
		return rio.SendResponse(int32(used))
	}
	return rio.SendResponse(int32(used), RXPattern(used))
}

// binaryAttr resolves an attribute index to its storage key.
func (s *Server) binaryAttr(op iiod.Op, dev int, code int32) (string, bool) {
	d := &s.info.Devices[dev]
	idx, lo := int(uint32(code)>>16), int(uint32(code)&0xffff)

	pick := func(list []string) (string, bool) {
		if idx >= len(list) {
			return "", false
		}
		return list[idx], true
	}

	switch op {
	case iiod.OpReadAttr:
		name, ok := pick(d.Attrs)
		return attrKey(d.ID, ScopeDevice, name), ok
	case iiod.OpReadDbgAttr:
		name, ok := pick(d.DebugAttrs)
		return attrKey(d.ID, ScopeDebug, name), ok
	case iiod.OpReadBufAttr:
		name, ok := pick(d.BufferAttrs)
		return attrKey(d.ID, ScopeBuffer, name), ok
	case iiod.OpReadChnAttr:
		if lo >= len(d.Channels) || idx >= len(d.Channels[lo].Attrs) {
			return "", false
		}
		ch := &d.Channels[lo]
		return attrKey(d.ID, ChannelScope(ch.ID, ch.Output), ch.Attrs[idx].Name), true
	}
	return "", false
}
