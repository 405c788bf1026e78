package protocol

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

const (
	lengthPrefixSize = 2
	maxSteps         = math.MaxUint16
)

// Result payload: 8-byte value, 2-byte step count, then each step as a
// 2-byte length-prefixed string.
func encodeResult(value float64, steps []string) ([]byte, error) {
	if len(steps) > maxSteps {
		return nil, clientErrorf("%d steps exceed the maximum of %d", len(steps), maxSteps)
	}
	size := constantSize + lengthPrefixSize
	for _, s := range steps {
		size += lengthPrefixSize + len(s)
	}
	if size > MaxPayloadSize {
		return nil, clientErrorf("result of %d bytes exceeds %d", size, MaxPayloadSize)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(value))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(steps)))
	for _, s := range steps {
		buf = appendString(buf, s)
	}
	return buf, nil
}

func decodeResult(data []byte) (value float64, steps []string, err error) {
	if len(data) < constantSize+lengthPrefixSize {
		return 0, nil, clientErrorf("result payload of %d bytes is truncated", len(data))
	}
	value = math.Float64frombits(binary.BigEndian.Uint64(data[:constantSize]))
	offset := constantSize
	count := int(binary.BigEndian.Uint16(data[offset:]))
	offset += lengthPrefixSize

	steps = make([]string, count)
	for i := range steps {
		steps[i], offset, err = deserializeString(data, offset, "step")
		if err != nil {
			return 0, nil, err
		}
	}
	if offset != len(data) {
		return 0, nil, clientErrorf("%d trailing bytes after result", len(data)-offset)
	}
	return value, steps, nil
}

// Error payload: one 2-byte length-prefixed message.
func encodeError(msg string) []byte {
	msg = truncateUTF8(msg, MaxPayloadSize-lengthPrefixSize)
	return appendString(make([]byte, 0, lengthPrefixSize+len(msg)), msg)
}

func decodeError(data []byte) (string, error) {
	msg, offset, err := deserializeString(data, 0, "error message")
	if err != nil {
		return "", err
	}
	if offset != len(data) {
		return "", clientErrorf("%d trailing bytes after error message", len(data)-offset)
	}
	return msg, nil
}

// appendString writes a length-prefixed string. Callers bound len(s) first.
func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func deserializeString(data []byte, offset int, fieldName string) (str string, newOffset int, err error) {
	if offset+lengthPrefixSize > len(data) {
		err = clientErrorf("invalid %s length", fieldName)
		return
	}
	strLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += lengthPrefixSize

	if offset+strLen > len(data) {
		err = clientErrorf("%s data truncated", fieldName)
		return
	}
	str = string(data[offset : offset+strLen])
	newOffset = offset + strLen
	return
}

// truncateUTF8 shortens s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
