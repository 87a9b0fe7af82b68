package swarm

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameHeaderSize = 5
	maxFrameSize    = 16 << 20
)

func encodeFrame(ch Channel, payload []byte) ([]byte, error) {
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("swarm: frame of %d bytes exceeds limit %d", len(payload), maxFrameSize)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(ch)
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

func readFrame(r io.Reader) (Channel, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("swarm: frame of %d bytes exceeds limit %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return Channel(header[0]), payload, nil
}
