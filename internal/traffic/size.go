package traffic

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// maxSafeBytes bounds every intermediate byte sum so the final ×8 cannot
// exceed MaxSafeBits.
const maxSafeBytes = MaxSafeBits / 8

// Header is a single observed HTTP header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawSegment is one chunk of an upload body. Only its length is known to
// the observer; the bytes themselves are never shipped.
type RawSegment struct {
	ByteLength int64 `json:"byteLength"`
}

// RequestBody describes a request body in one of three representations.
// When several are set, Raw wins over FormData, which wins over Text.
type RequestBody struct {
	Raw      []RawSegment        `json:"raw,omitempty"`
	FormData map[string][]string `json:"formData,omitempty"`
	Text     *string             `json:"text,omitempty"`
}

// RequestDetails is the structural metadata of an observed request.
type RequestDetails struct {
	Headers []Header     `json:"headers,omitempty"`
	Body    *RequestBody `json:"body,omitempty"`
}

// EstimateRequestBits returns the estimated size of a request in bits.
// It never fails: overflow or malformed input yields 0.
func EstimateRequestBits(d RequestDetails) uint64 {
	var total int64

	for _, h := range d.Headers {
		nameLen := int64(len([]rune(h.Name)))
		valueLen := int64(len([]rune(h.Value)))
		if nameLen > maxSafeBytes || valueLen > maxSafeBytes {
			continue
		}
		if total+nameLen+valueLen > maxSafeBytes {
			break
		}
		total += nameLen + valueLen
	}

	if b := d.Body; b != nil {
		switch {
		case len(b.Raw) > 0:
			for _, seg := range b.Raw {
				if seg.ByteLength < 0 || seg.ByteLength > maxSafeBytes {
					continue
				}
				if total+seg.ByteLength > maxSafeBytes {
					break
				}
				total += seg.ByteLength
			}
		case b.FormData != nil:
			encoded, err := encodeFormData(b.FormData)
			if err != nil {
				return bitsOf(total)
			}
			n := int64(utf8.RuneCountInString(encoded))
			if n > maxSafeBytes || total+n > maxSafeBytes {
				return bitsOf(total)
			}
			total += n
		case b.Text != nil:
			n := int64(len(*b.Text))
			if n > maxSafeBytes || total+n > maxSafeBytes {
				return bitsOf(total)
			}
			total += n
		}
	}

	return bitsOf(total)
}

// EstimateResponseBits reads the Content-Length header of a response.
// A missing or unparsable header yields 0.
func EstimateResponseBits(headers []Header) uint64 {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "content-length") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64)
		if err != nil {
			return 0
		}
		return bitsOf(n)
	}
	return 0
}

func bitsOf(bytes int64) uint64 {
	if bytes <= 0 || bytes > maxSafeBytes {
		return 0
	}
	return uint64(bytes) * 8
}

// encodeFormData serializes form fields as a JSON object of value lists.
func encodeFormData(form map[string][]string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(form); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
