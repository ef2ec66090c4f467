package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Record framing on disk: 4-byte big-endian payload length, the JSON
// payload, then a 4-byte big-endian CRC32 (Castagnoli) of the payload.
// A record is valid only if the length is sane and the CRC matches.

const (
	frameHeaderSize = 4
	frameCRCSize    = 4
	// maxRecordSize bounds a single record; anything larger is treated
	// as corruption.
	maxRecordSize = 16 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodeFrame renders one framed record into a fresh buffer.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload)+frameCRCSize)
	binary.BigEndian.PutUint32(buf[0:], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	crc := crc32.Checksum(payload, crcTable)
	binary.BigEndian.PutUint32(buf[frameHeaderSize+len(payload):], crc)
	return buf
}

// scanFrames reads records from r, calling fn for each valid payload.
// It returns the byte offset after the last valid record. A torn or
// corrupt tail stops the scan without error; the caller truncates.
func scanFrames(r io.Reader, fn func(payload []byte) error) (int64, error) {
	var offset int64
	header := make([]byte, frameHeaderSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			// Clean EOF or torn header both end the scan here.
			return offset, nil
		}
		length := binary.BigEndian.Uint32(header)
		if length == 0 || length > maxRecordSize {
			return offset, nil
		}

		body := make([]byte, int(length)+frameCRCSize)
		if _, err := io.ReadFull(r, body); err != nil {
			return offset, nil
		}

		payload := body[:length]
		want := binary.BigEndian.Uint32(body[length:])
		if crc32.Checksum(payload, crcTable) != want {
			return offset, nil
		}

		if err := fn(payload); err != nil {
			return offset, fmt.Errorf("replay record at offset %d: %w", offset, err)
		}
		offset += int64(frameHeaderSize) + int64(length) + int64(frameCRCSize)
	}
}

// truncateTo drops everything past offset when the file is longer,
// discarding a torn tail left by a crash mid-append.
func truncateTo(path string, offset int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Size() <= offset {
		return false, nil
	}
	if err := os.Truncate(path, offset); err != nil {
		return false, fmt.Errorf("truncate torn tail of %s: %w", path, err)
	}
	return true, nil
}
