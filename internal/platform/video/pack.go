package video

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
)

// Wire encoding shared by every token section: little-endian integers,
// uint16-length-prefixed strings, and uint16-counted maps with sorted keys.

var errShortBuffer = errors.New("token truncated")

func packUint16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func packUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func packString(w *bytes.Buffer, s string) {
	packUint16(w, uint16(len(s)))
	w.WriteString(s)
}

func packMapUint32(w *bytes.Buffer, m map[uint16]uint32) {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	packUint16(w, uint16(len(keys)))
	for _, k := range keys {
		packUint16(w, uint16(k))
		packUint32(w, m[uint16(k)])
	}
}

func unpackUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errShortBuffer
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func unpackUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errShortBuffer
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func unpackString(r io.Reader) (string, error) {
	n, err := unpackUint16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errShortBuffer
	}
	return string(b), nil
}

func unpackMapUint32(r io.Reader) (map[uint16]uint32, error) {
	n, err := unpackUint16(r)
	if err != nil {
		return nil, err
	}
	m := make(map[uint16]uint32, n)
	for i := 0; i < int(n); i++ {
		k, err := unpackUint16(r)
		if err != nil {
			return nil, err
		}
		v, err := unpackUint32(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
