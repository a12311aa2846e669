package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Spectator transport constants. Packets ride a reliable, packet-framed
// connection; each frame is a 2-byte little-endian length prefix followed
// by the payload.
const (
	// SpectateAuthOp1 and SpectateAuthOp2 open the auth frame.
	SpectateAuthOp1 byte = 0x01
	SpectateAuthOp2 byte = 0x22

	// SnapshotOpcode marks a match state snapshot packet.
	SnapshotOpcode byte = 0x10

	// SnapshotMinLength separates real snapshots from heartbeats and acks;
	// packets at or below this size carry no player data.
	SnapshotMinLength = 100

	// MaxPlayerRecords is the most players a spectated match can hold.
	MaxPlayerRecords = 4
)

// MaxPacketSize is the maximum allowed size for a single framed packet.
const MaxPacketSize = 65535

// BuildSpectateAuth builds the one-shot auth frame payload:
// opcode pair, token length, raw token bytes.
func BuildSpectateAuth(token []byte) ([]byte, error) {
	if len(token) > 255 {
		return nil, fmt.Errorf("spectator token too long: %d bytes", len(token))
	}
	frame := make([]byte, 0, 3+len(token))
	frame = append(frame, SpectateAuthOp1, SpectateAuthOp2, byte(len(token)))
	frame = append(frame, token...)
	return frame, nil
}

// ReadFrame reads a single length-prefixed packet from a reader.
// Returns the raw payload bytes (excluding the length prefix).
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	if length == 0 {
		return nil, fmt.Errorf("received zero-length frame")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", length, err)
	}

	return payload, nil
}

// WriteFrame writes a length-prefixed packet to a writer.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxPacketSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(data), MaxPacketSize)
	}
	length := uint16(len(data))
	if err := binary.Write(w, binary.LittleEndian, length); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}
	return nil
}

// IsSnapshot reports whether a received packet is a qualifying state
// snapshot rather than a heartbeat or ack.
func IsSnapshot(packet []byte) bool {
	return len(packet) > SnapshotMinLength && packet[0] == SnapshotOpcode
}
