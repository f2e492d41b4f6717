// Package contentrange models HTTP byte ranges: the span a client asks
// for with a Range header and the span a server reports with a
// Content-Range header.
package contentrange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Unknown is the Total of a range whose full resource size is not known.
const Unknown int64 = -1

var (
	// ErrInvalidRange is returned by [Range.Validate] for spans that
	// cannot be requested.
	ErrInvalidRange = errors.New("invalid content range")
	// ErrMalformed is returned when a Range or Content-Range header
	// cannot be parsed.
	ErrMalformed = errors.New("malformed range header")
)

// Range is a byte span starting at Location and covering Length bytes
// of a resource that is Total bytes long. Byte offsets are 0 indexed.
//
// Make accepts any values. Callers building outbound requests should
// call Validate before using a Range.
type Range struct {
	Location int64
	Length   int64
	Total    int64
}

// Make returns a Range for the given span.
func Make(location, length, total int64) Range {
	return Range{Location: location, Length: length, Total: total}
}

// LastByte returns the index of the last byte covered by r.
// For an empty range this is Location-1.
func (r Range) LastByte() int64 {
	return r.Location + r.Length - 1
}

// IsEmpty reports whether r covers no bytes.
func (r Range) IsEmpty() bool {
	return r.Length <= 0
}

// Validate reports whether r can be sent as a Range header.
func (r Range) Validate() error {
	switch {
	case r.Location < 0:
		return fmt.Errorf("%w: negative location %d", ErrInvalidRange, r.Location)
	case r.Length < 0:
		return fmt.Errorf("%w: negative length %d", ErrInvalidRange, r.Length)
	case r.Length == 0:
		return fmt.Errorf("%w: empty range at %d", ErrInvalidRange, r.Location)
	case r.Total < Unknown:
		return fmt.Errorf("%w: total %d", ErrInvalidRange, r.Total)
	case r.Total != Unknown && r.Location+r.Length > r.Total:
		return fmt.Errorf("%w: bytes %d-%d exceed total %d", ErrInvalidRange, r.Location, r.LastByte(), r.Total)
	}

	return nil
}

// Matches reports whether served covers the same span as r. Totals are
// only compared when both are known.
func (r Range) Matches(served Range) bool {
	if r.Location != served.Location || r.Length != served.Length {
		return false
	}
	if r.Total != Unknown && served.Total != Unknown && r.Total != served.Total {
		return false
	}

	return true
}

// Header formats r as the value of a Range request header.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Location, r.LastByte())
}

// ContentRange formats r as the value of a Content-Range response header.
func (r Range) ContentRange() string {
	total := "*"
	if r.Total != Unknown {
		total = strconv.FormatInt(r.Total, 10)
	}

	return fmt.Sprintf("bytes %d-%d/%s", r.Location, r.LastByte(), total)
}

func (r Range) String() string {
	return r.ContentRange()
}

// Parse parses a Content-Range header value of the form
// "bytes <first>-<last>/<total>" where total may be "*".
func Parse(header string) (Range, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q: missing bytes unit", ErrMalformed, header)
	}

	span, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q: missing total", ErrMalformed, header)
	}

	first, last, err := parseSpan(span)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q: %w", ErrMalformed, header, err)
	}

	total := Unknown
	if totalStr != "*" {
		total, err = strconv.ParseInt(totalStr, 10, 64)
		if err != nil || total < 0 {
			return Range{}, fmt.Errorf("%w: %q: invalid total", ErrMalformed, header)
		}
		if last >= total {
			return Range{}, fmt.Errorf("%w: %q: last byte beyond total", ErrMalformed, header)
		}
	}

	return Make(first, last-first+1, total), nil
}

// ParseRequest parses a single-span Range request header value of the
// form "bytes=<first>-<last>". The returned Range has an Unknown total.
func ParseRequest(header string) (Range, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q: missing bytes unit", ErrMalformed, header)
	}
	if strings.Contains(spec, ",") {
		return Range{}, fmt.Errorf("%w: %q: multiple ranges", ErrMalformed, header)
	}

	first, last, err := parseSpan(spec)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q: %w", ErrMalformed, header, err)
	}

	return Make(first, last-first+1, Unknown), nil
}

func parseSpan(span string) (first, last int64, err error) {
	firstStr, lastStr, ok := strings.Cut(strings.TrimSpace(span), "-")
	if !ok {
		return 0, 0, errors.New("missing '-'")
	}

	first, err = strconv.ParseInt(firstStr, 10, 64)
	if err != nil || first < 0 {
		return 0, 0, errors.New("invalid first byte")
	}

	last, err = strconv.ParseInt(lastStr, 10, 64)
	if err != nil || last < first {
		return 0, 0, errors.New("invalid last byte")
	}

	return first, last, nil
}
