package hl7v2

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// DeviceText returns raw as valid UTF-8 with NUL bytes removed. Payloads that
// are not valid UTF-8 are read as ISO-8859-1.
func DeviceText(raw []byte) string {
	if !utf8.Valid(raw) {
		decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw)
		if err != nil {
			decoded = bytes.ToValidUTF8(raw, []byte("�"))
		}
		raw = decoded
	}
	return string(bytes.ReplaceAll(raw, []byte{0}, nil))
}
