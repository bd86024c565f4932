package iiod

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/task"
)

// Handler runs a command received from the peer. It is called on the
// reader goroutine and may consume the command's payload with ReadData
// before returning. A non-nil error stops the responder.
type Handler func(r *Responder, cmd Command) error

// Responder multiplexes binary dialect traffic over one stream. A single
// reader goroutine routes every RESPONSE to the IO waiting for its client
// id; writes are serialized through a task.
type Responder struct {
	rd      io.Reader
	wr      io.Writer
	handler Handler
	log     *logging.Logger

	mu      sync.Mutex
	readers *queue.Queue // *IO waiting for a response, in registration order
	filling *IO          // IO whose buffers the reader is writing to
	idle    *sync.Cond   // signalled when filling is cleared
	stop    bool
	err     error
	timeout time.Duration

	writer *task.Task
	done   chan struct{}
}

// NewResponder starts a responder reading from rd and writing to wr. A
// nil handler makes any incoming command a protocol error.
func NewResponder(rd io.Reader, wr io.Writer, h Handler, log *logging.Logger) *Responder {
	if log == nil {
		log = logging.Default()
	}
	r := &Responder{
		rd:      rd,
		wr:      wr,
		handler: h,
		log:     log,
		readers: queue.New(),
		done:    make(chan struct{}),
	}
	r.idle = sync.NewCond(&r.mu)
	r.writer = task.New(r.write)
	r.writer.Start()

	go r.readLoop()
	return r
}

// SetTimeout sets the timeout given to IOs created afterwards.
func (r *Responder) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// CreateIO returns a new IO for the given client id.
func (r *Responder) CreateIO(clientID uint16) *IO {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &IO{r: r, clientID: clientID, timeout: r.timeout}
}

// ReadData reads a command payload. Only valid from a Handler.
func (r *Responder) ReadData(p []byte) error {
	_, err := io.ReadFull(r.rd, p)
	return err
}

// Done is closed once the reader goroutine has exited.
func (r *Responder) Done() <-chan struct{} { return r.done }

// Err returns why the reader exited, EINTR after Close. Nil while running.
func (r *Responder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stop {
		return nil
	}
	return r.err
}

// Close stops the responder. Pending responses complete with EINTR. When
// the writer has a Cancel method it is called to unblock the reader;
// otherwise the caller must unblock it.
func (r *Responder) Close() {
	r.mu.Lock()
	r.stop = true
	r.mu.Unlock()

	if c, ok := r.wr.(interface{ Cancel() }); ok {
		c.Cancel()
	}
	<-r.done
	r.writer.Destroy()
}

func (r *Responder) readLoop() {
	defer close(r.done)

	var (
		hdr [HeaderSize]byte
		err error
	)

	for {
		r.mu.Lock()
		stopped := r.stop
		r.mu.Unlock()
		if stopped {
			break
		}

		if _, err = io.ReadFull(r.rd, hdr[:]); err != nil {
			break
		}

		// A serial peer that reconnects restarts the negotiation. The
		// string happens to be exactly one header long.
		if string(hdr[:]) == "BINARY\r\n" {
			_ = r.writer.EnqueueAutoclear([]byte("0\r\n"))
			continue
		}

		cmd, _ := ParseCommand(hdr[:])
		if cmd.Op != OpResponse {
			if r.handler == nil {
				err = unix.EPROTO
				break
			}
			if err = r.handler(r, cmd); err != nil {
				break
			}
			continue
		}

		r.mu.Lock()
		rio := r.takeReader(cmd.ClientID)
		var (
			gen  uint64
			bufs [][]byte
		)
		if rio != nil {
			rio.mu.Lock()
			gen, bufs = rio.rgen, rio.rbufs
			rio.mu.Unlock()
			if len(bufs) > 0 && cmd.Code > 0 {
				r.filling = rio
			}
		}
		r.mu.Unlock()

		if rio == nil {
			// Nobody waits for this response
			if cmd.Code > 0 {
				if err = r.discard(int64(cmd.Code)); err != nil {
					break
				}
			}
			continue
		}

		if len(bufs) > 0 && cmd.Code > 0 {
			var n int
			n, err = readInto(r.rd, bufs, int(cmd.Code))

			r.mu.Lock()
			r.filling = nil
			r.idle.Broadcast()
			r.mu.Unlock()

			if err == nil && n < int(cmd.Code) {
				err = r.discard(int64(cmd.Code) - int64(n))
			}
			if err != nil {
				rio.signal(gen, ErrnoCode(err))
				break
			}
		}

		rio.signal(gen, cmd.Code)
	}

	r.mu.Lock()
	if r.stop {
		r.err = unix.EINTR
	} else {
		r.err = err
		if r.err == nil {
			r.err = unix.EPIPE
		}
	}
	r.stop = true

	code := ErrnoCode(r.err)
	for r.readers.Length() > 0 {
		rio := r.readers.Remove().(*IO)
		rio.mu.Lock()
		gen := rio.rgen
		rio.mu.Unlock()
		rio.signal(gen, code)
	}
	r.mu.Unlock()

	r.log.Debug("iiod reader exited", "error", r.err)

	r.writer.Pause()
	r.writer.Flush()
}

// takeReader unlinks the first IO waiting on clientID. Called with r.mu held.
func (r *Responder) takeReader(clientID uint16) *IO {
	var found *IO
	for i, n := 0, r.readers.Length(); i < n; i++ {
		rio := r.readers.Remove().(*IO)
		if found == nil && rio.clientID == clientID {
			found = rio
			continue
		}
		r.readers.Add(rio)
	}
	return found
}

// removeReader unlinks rio if it is waiting. Called with r.mu held.
func (r *Responder) removeReader(rio *IO) {
	for i, n := 0, r.readers.Length(); i < n; i++ {
		e := r.readers.Remove().(*IO)
		if e != rio {
			r.readers.Add(e)
		}
	}
}

func (r *Responder) discard(n int64) error {
	_, err := io.CopyN(io.Discard, r.rd, n)
	return err
}

// readInto fills bufs in order with up to total bytes from rd.
func readInto(rd io.Reader, bufs [][]byte, total int) (int, error) {
	n := 0
	for _, b := range bufs {
		if n == total {
			break
		}
		if len(b) > total-n {
			b = b[:total-n]
		}
		m, err := io.ReadFull(rd, b)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *Responder) write(elem any) (int, error) {
	switch e := elem.(type) {
	case []byte:
		return r.wr.Write(e)
	case *IO:
		bufs := make(net.Buffers, 0, 1+len(e.wbufs))
		bufs = append(bufs, e.wcmd.Marshal())
		bufs = append(bufs, e.wbufs...)
		n, err := bufs.WriteTo(r.wr)
		return int(n), err
	}
	return 0, unix.EINVAL
}

// IO is one request/response channel of a responder, identified on the
// wire by its client id. An IO carries at most one outgoing command and
// one pending response at a time.
type IO struct {
	r        *Responder
	clientID uint16

	mu      sync.Mutex
	timeout time.Duration

	// outgoing command
	wcmd   Command
	wbufs  [][]byte
	wstart time.Time
	token  *task.Token

	// pending response
	rgen   uint64
	rbufs  [][]byte
	rstart time.Time
	rdone  bool
	rcode  int32
	rch    chan struct{}
}

// ClientID returns the id the IO uses on the wire.
func (rio *IO) ClientID() uint16 { return rio.clientID }

// Responder returns the responder the IO belongs to.
func (rio *IO) Responder() *Responder { return rio.r }

// SetTimeout bounds command and response waits; zero waits forever.
func (rio *IO) SetTimeout(d time.Duration) {
	rio.mu.Lock()
	rio.timeout = d
	rio.mu.Unlock()
}

func (rio *IO) signal(gen uint64, code int32) {
	rio.mu.Lock()
	defer rio.mu.Unlock()
	if gen != rio.rgen || rio.rdone {
		return
	}
	rio.rcode = code
	rio.rdone = true
	close(rio.rch)
}

// GetResponseAsync registers the IO for its next response. The payload
// is read into bufs, in order; bytes beyond their capacity are dropped.
func (rio *IO) GetResponseAsync(bufs ...[]byte) error {
	r := rio.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop {
		return r.err
	}
	r.removeReader(rio)

	rio.mu.Lock()
	rio.rgen++
	rio.rbufs = bufs
	rio.rstart = time.Now()
	rio.rdone = false
	rio.rcode = 0
	rio.rch = make(chan struct{})
	rio.mu.Unlock()

	r.readers.Add(rio)
	return nil
}

// WaitForResponse waits for the registered response and returns its
// code, or a negated errno (ETIMEDOUT once the IO timeout elapsed since
// registration).
func (rio *IO) WaitForResponse() int32 {
	rio.mu.Lock()
	ch, gen, start, timeout := rio.rch, rio.rgen, rio.rstart, rio.timeout
	rio.mu.Unlock()

	if ch == nil {
		return -int32(unix.EINVAL)
	}

	if timeout <= 0 {
		<-ch
	} else {
		timer := time.NewTimer(time.Until(start.Add(timeout)))
		select {
		case <-ch:
		case <-timer.C:
			rio.r.mu.Lock()
			rio.r.removeReader(rio)
			rio.r.mu.Unlock()
			rio.signal(gen, -int32(unix.ETIMEDOUT))
		}
		timer.Stop()
	}

	rio.mu.Lock()
	defer rio.mu.Unlock()
	return rio.rcode
}

// HasResponse reports whether WaitForResponse would return immediately.
func (rio *IO) HasResponse() bool {
	rio.mu.Lock()
	defer rio.mu.Unlock()
	if rio.rdone {
		return true
	}
	return rio.timeout > 0 && time.Since(rio.rstart) > rio.timeout
}

// CancelResponse completes the pending response with EINTR. If the
// reader is already copying the response payload, it waits for the copy
// to end so the caller may reuse the buffers.
func (rio *IO) CancelResponse() {
	r := rio.r
	r.mu.Lock()
	r.removeReader(rio)
	for r.filling == rio {
		r.idle.Wait()
	}
	rio.mu.Lock()
	gen := rio.rgen
	rio.mu.Unlock()
	r.mu.Unlock()

	rio.signal(gen, -int32(unix.EINTR))
}

// SendCommandAsync queues cmd, followed by bufs, on the writer. The
// client id is filled in. It fails with EIO while a previous command has
// not been waited for.
func (rio *IO) SendCommandAsync(cmd Command, bufs ...[]byte) error {
	rio.mu.Lock()
	if rio.token != nil {
		rio.mu.Unlock()
		return unix.EIO
	}
	cmd.ClientID = rio.clientID
	rio.wcmd = cmd
	rio.wbufs = bufs
	rio.wstart = time.Now()
	rio.mu.Unlock()

	r := rio.r
	r.mu.Lock()
	if r.stop {
		err := r.err
		r.mu.Unlock()
		return err
	}
	tok, err := r.writer.Enqueue(rio)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	rio.mu.Lock()
	rio.token = tok
	rio.mu.Unlock()
	return nil
}

// WaitForCommandDone waits until the queued command has been written.
func (rio *IO) WaitForCommandDone() error {
	rio.mu.Lock()
	tok, start, timeout := rio.token, rio.wstart, rio.timeout
	rio.token = nil
	rio.mu.Unlock()

	if tok == nil {
		return nil
	}

	var left time.Duration
	if timeout > 0 {
		if elapsed := time.Since(start); elapsed >= timeout {
			tok.Cancel()
		} else {
			left = timeout - elapsed
		}
	}

	_, err := tok.Sync(left)
	return err
}

// CommandIsDone reports whether no command is waiting to be written,
// either because it went out or because its timeout has elapsed.
func (rio *IO) CommandIsDone() bool {
	rio.mu.Lock()
	defer rio.mu.Unlock()
	if rio.token == nil || rio.token.Done() {
		return true
	}
	return rio.timeout > 0 && time.Since(rio.wstart) > rio.timeout
}

// SendCommand queues cmd and waits until it is written.
func (rio *IO) SendCommand(cmd Command, bufs ...[]byte) error {
	if err := rio.SendCommandAsync(cmd, bufs...); err != nil {
		return err
	}
	return rio.WaitForCommandDone()
}

// SendResponse writes a RESPONSE carrying code and bufs.
func (rio *IO) SendResponse(code int32, bufs ...[]byte) error {
	return rio.SendCommand(Command{Op: OpResponse, Code: code}, bufs...)
}

// SendResponseCode writes a RESPONSE without payload.
func (rio *IO) SendResponseCode(code int32) error {
	return rio.SendResponse(code)
}

// Exec sends cmd with an optional payload and waits for the response,
// whose payload lands in recv. It returns the response code or a negated
// errno.
func (rio *IO) Exec(cmd Command, send, recv []byte) int32 {
	var bufs [][]byte
	if recv != nil {
		bufs = [][]byte{recv}
	}
	if err := rio.GetResponseAsync(bufs...); err != nil {
		return ErrnoCode(err)
	}

	var err error
	if send != nil {
		err = rio.SendCommand(cmd, send)
	} else {
		err = rio.SendCommand(cmd)
	}
	if err != nil {
		rio.Cancel()
		return ErrnoCode(err)
	}

	return rio.WaitForResponse()
}

// ExecSimple runs a command without payload in either direction.
func (rio *IO) ExecSimple(cmd Command) int32 {
	return rio.Exec(cmd, nil, nil)
}

// Cancel drops the queued command if it has not been written yet and
// completes the pending response with EINTR.
func (rio *IO) Cancel() {
	rio.mu.Lock()
	tok := rio.token
	rio.token = nil
	rio.mu.Unlock()

	if tok != nil {
		tok.Cancel()
		_, _ = tok.Sync(0)
	}
	rio.CancelResponse()
}
