package uapi

import (
	"encoding/binary"
)

// Marshal converts a struct to its kernel layout (little endian).
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *IIODmabuf:
		return marshalDmabuf(val)
	case *DmaBufSync:
		buf := make([]byte, DmaBufSyncSize)
		binary.LittleEndian.PutUint64(buf, val.Flags)
		return buf
	case *DmaHeapAlloc:
		return marshalHeapAlloc(val)
	case *BlockAllocReq:
		return marshalAllocReq(val)
	case *Block:
		return marshalBlock(val)
	case *Event:
		buf := make([]byte, EventSize)
		binary.LittleEndian.PutUint64(buf[0:8], val.ID)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(val.Timestamp))
		return buf
	default:
		return nil
	}
}

// Unmarshal converts bytes back to a struct
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *IIODmabuf:
		if len(data) < IIODmabufSize {
			return ErrInsufficientData
		}
		val.FD = int32(binary.LittleEndian.Uint32(data[0:4]))
		val.Flags = binary.LittleEndian.Uint32(data[4:8])
		val.BytesUsed = binary.LittleEndian.Uint64(data[8:16])
	case *DmaBufSync:
		if len(data) < DmaBufSyncSize {
			return ErrInsufficientData
		}
		val.Flags = binary.LittleEndian.Uint64(data)
	case *DmaHeapAlloc:
		if len(data) < DmaHeapAllocSize {
			return ErrInsufficientData
		}
		val.Len = binary.LittleEndian.Uint64(data[0:8])
		val.FD = binary.LittleEndian.Uint32(data[8:12])
		val.FDFlags = binary.LittleEndian.Uint32(data[12:16])
		val.HeapFlags = binary.LittleEndian.Uint64(data[16:24])
	case *BlockAllocReq:
		if len(data) < BlockAllocReqSize {
			return ErrInsufficientData
		}
		val.Type = binary.LittleEndian.Uint32(data[0:4])
		val.Size = binary.LittleEndian.Uint32(data[4:8])
		val.Count = binary.LittleEndian.Uint32(data[8:12])
		val.ID = binary.LittleEndian.Uint32(data[12:16])
	case *Block:
		return unmarshalBlock(data, val)
	case *Event:
		if len(data) < EventSize {
			return ErrInsufficientData
		}
		val.ID = binary.LittleEndian.Uint64(data[0:8])
		val.Timestamp = int64(binary.LittleEndian.Uint64(data[8:16]))
	default:
		return ErrInvalidType
	}
	return nil
}

func marshalDmabuf(d *IIODmabuf) []byte {
	buf := make([]byte, IIODmabufSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.FD))
	binary.LittleEndian.PutUint32(buf[4:8], d.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], d.BytesUsed)

	return buf
}

func marshalHeapAlloc(a *DmaHeapAlloc) []byte {
	buf := make([]byte, DmaHeapAllocSize)

	binary.LittleEndian.PutUint64(buf[0:8], a.Len)
	binary.LittleEndian.PutUint32(buf[8:12], a.FD)
	binary.LittleEndian.PutUint32(buf[12:16], a.FDFlags)
	binary.LittleEndian.PutUint64(buf[16:24], a.HeapFlags)

	return buf
}

func marshalAllocReq(r *BlockAllocReq) []byte {
	buf := make([]byte, BlockAllocReqSize)

	binary.LittleEndian.PutUint32(buf[0:4], r.Type)
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	binary.LittleEndian.PutUint32(buf[8:12], r.Count)
	binary.LittleEndian.PutUint32(buf[12:16], r.ID)

	return buf
}

func marshalBlock(b *Block) []byte {
	buf := make([]byte, BlockSize)

	binary.LittleEndian.PutUint32(buf[0:4], b.ID)
	binary.LittleEndian.PutUint32(buf[4:8], b.Size)
	binary.LittleEndian.PutUint32(buf[8:12], b.BytesUsed)
	binary.LittleEndian.PutUint32(buf[12:16], b.Type)
	binary.LittleEndian.PutUint32(buf[16:20], b.Flags)
	binary.LittleEndian.PutUint32(buf[20:24], b.Offset)
	binary.LittleEndian.PutUint64(buf[24:32], b.Timestamp)

	return buf
}

func unmarshalBlock(data []byte, b *Block) error {
	if len(data) < BlockSize {
		return ErrInsufficientData
	}

	b.ID = binary.LittleEndian.Uint32(data[0:4])
	b.Size = binary.LittleEndian.Uint32(data[4:8])
	b.BytesUsed = binary.LittleEndian.Uint32(data[8:12])
	b.Type = binary.LittleEndian.Uint32(data[12:16])
	b.Flags = binary.LittleEndian.Uint32(data[16:20])
	b.Offset = binary.LittleEndian.Uint32(data[20:24])
	b.Timestamp = binary.LittleEndian.Uint64(data[24:32])

	return nil
}

// Error definitions
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
