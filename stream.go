package iio

import (
	"golang.org/x/sys/unix"
)

// Stream rotates through a fixed set of equally sized blocks of one
// buffer, keeping every block but the one handed to the caller queued.
type Stream struct {
	buf    *Buffer
	blocks []*Block

	started     bool
	bufEnabled  bool
	allEnqueued bool
	curr        int
}

// CreateStream allocates nbBlocks blocks of samples samples each.
func (buf *Buffer) CreateStream(nbBlocks, samples int) (*Stream, error) {
	if nbBlocks <= 0 || samples <= 0 {
		return nil, bufferError("CREATE_STREAM", buf, unix.EINVAL)
	}

	s := &Stream{buf: buf, blocks: make([]*Block, 0, nbBlocks)}
	size := samples * buf.sampleSize
	for i := 0; i < nbBlocks; i++ {
		b, err := buf.CreateBlock(size)
		if err != nil {
			for _, prev := range s.blocks {
				prev.Destroy()
			}
			return nil, err
		}
		s.blocks = append(s.blocks, b)
	}
	return s, nil
}

// Buffer returns the buffer the stream rotates over.
func (s *Stream) Buffer() *Buffer { return s.buf }

// Blocks returns the stream's blocks in rotation order.
func (s *Stream) Blocks() []*Block { return s.blocks }

// NextBlock hands the current block back to the buffer and returns the
// next one once its transfer completed.
//
// For input buffers the first call primes the pipeline by enqueueing
// every block. For output buffers the first call returns the first block
// untouched, for the caller to fill; each later call submits the block
// returned previously. The buffer is enabled on the first submission.
func (s *Stream) NextBlock() (*Block, error) {
	buf := s.buf
	if buf.Cancelled() {
		return nil, bufferError("STREAM_NEXT_BLOCK", buf, unix.EBUSY)
	}

	if !s.started {
		for i := 1; !buf.tx && i < len(s.blocks); i++ {
			if err := s.blocks[i].Enqueue(0, false); err != nil {
				return nil, err
			}
		}

		s.started = true
		if buf.tx {
			return s.blocks[0], nil
		}
		s.allEnqueued = true
	}

	if err := s.blocks[s.curr].Enqueue(0, false); err != nil {
		return nil, err
	}

	if !s.bufEnabled {
		if err := buf.Enable(); err != nil {
			return nil, err
		}
		s.bufEnabled = true
	}

	s.curr = (s.curr + 1) % len(s.blocks)
	s.allEnqueued = s.allEnqueued || s.curr == 0

	if s.allEnqueued {
		if err := s.blocks[s.curr].Dequeue(false); err != nil {
			return nil, err
		}
	}
	return s.blocks[s.curr], nil
}

// Destroy waits for every in-flight block, ignoring transfer errors, and
// destroys the blocks. The buffer itself is left alone.
func (s *Stream) Destroy() {
	for _, b := range s.blocks {
		if b.State() == BlockEnqueued {
			_ = b.Dequeue(false)
		}
		b.Destroy()
	}
	s.blocks = nil
}
