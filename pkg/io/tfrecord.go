package io

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrCorruptRecord is returned when a TFRecord length or payload checksum does not match
var ErrCorruptRecord = errors.New("corrupt tfrecord")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// maxRecordLength bounds the payload size a record header may declare
const maxRecordLength = 1 << 30

func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// TFRecordReader reads the length-delimited, checksummed records of a TFRecord file
type TFRecordReader struct {
	r      io.Reader
	header [12]byte
	footer [4]byte
	record int
}

func NewTFRecordReader(r io.Reader) *TFRecordReader {
	return &TFRecordReader{r: r}
}

// Next returns the next payload, or io.EOF once the stream ends on a record boundary.
func (t *TFRecordReader) Next() ([]byte, error) {
	if _, err := io.ReadFull(t.r, t.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading header of record %d: %w", t.record, err)
	}
	length := binary.LittleEndian.Uint64(t.header[:8])
	if maskedCRC(t.header[:8]) != binary.LittleEndian.Uint32(t.header[8:]) {
		return nil, fmt.Errorf("length checksum of record %d: %w", t.record, ErrCorruptRecord)
	}
	if length > maxRecordLength {
		return nil, fmt.Errorf("record %d declares %d bytes: %w", t.record, length, ErrCorruptRecord)
	}
	payload, err := io.ReadAll(io.LimitReader(t.r, int64(length)))
	if err != nil {
		return nil, fmt.Errorf("reading payload of record %d: %w", t.record, err)
	}
	if uint64(len(payload)) != length {
		return nil, fmt.Errorf("reading payload of record %d: %w", t.record, io.ErrUnexpectedEOF)
	}
	if _, err := io.ReadFull(t.r, t.footer[:]); err != nil {
		return nil, fmt.Errorf("reading footer of record %d: %w", t.record, err)
	}
	if maskedCRC(payload) != binary.LittleEndian.Uint32(t.footer[:]) {
		return nil, fmt.Errorf("payload checksum of record %d: %w", t.record, ErrCorruptRecord)
	}
	t.record++
	return payload, nil
}

// TFRecordWriter writes payloads in the TFRecord framing
type TFRecordWriter struct {
	w io.Writer
}

func NewTFRecordWriter(w io.Writer) *TFRecordWriter {
	return &TFRecordWriter{w: w}
}

func (t *TFRecordWriter) Write(payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))
	for _, b := range [][]byte{header[:], payload, footer[:]} {
		if _, err := t.w.Write(b); err != nil {
			return fmt.Errorf("error writing record: %w", err)
		}
	}
	return nil
}
