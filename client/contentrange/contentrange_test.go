package contentrange_test

import (
	"errors"
	"testing"

	"github.com/TrialGuides/Cumulus/client/contentrange"
	"github.com/google/go-cmp/cmp"
)

func TestRange_LastByte(t *testing.T) {
	testCases := []struct {
		name     string
		r        contentrange.Range
		expLast  int64
		expEmpty bool
	}{
		{name: "hundred bytes", r: contentrange.Make(100, 100, 1000), expLast: 199},
		{name: "single byte", r: contentrange.Make(0, 1, 1), expLast: 0},
		{name: "empty", r: contentrange.Make(10, 0, 100), expLast: 9, expEmpty: true},
		{name: "unknown total", r: contentrange.Make(5, 10, contentrange.Unknown), expLast: 14},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.r.LastByte(); got != tc.expLast {
				t.Errorf("exp last byte %d, got %d", tc.expLast, got)
			}
			if got := tc.r.LastByte(); got != tc.r.Location+tc.r.Length-1 {
				t.Errorf("last byte %d not location+length-1", got)
			}
			if got := tc.r.IsEmpty(); got != tc.expEmpty {
				t.Errorf("exp empty %t, got %t", tc.expEmpty, got)
			}
		})
	}
}

func TestRange_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		r      contentrange.Range
		expErr bool
	}{
		{name: "valid", r: contentrange.Make(100, 100, 1000)},
		{name: "valid to end", r: contentrange.Make(900, 100, 1000)},
		{name: "valid unknown total", r: contentrange.Make(0, 10, contentrange.Unknown)},
		{name: "negative location", r: contentrange.Make(-1, 10, 100), expErr: true},
		{name: "negative length", r: contentrange.Make(0, -10, 100), expErr: true},
		{name: "zero length", r: contentrange.Make(0, 0, 100), expErr: true},
		{name: "past total", r: contentrange.Make(950, 100, 1000), expErr: true},
		{name: "bad total", r: contentrange.Make(0, 10, -5), expErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.Validate()
			if tc.expErr {
				if !errors.Is(err, contentrange.ErrInvalidRange) {
					t.Errorf("exp ErrInvalidRange, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("exp nil err, got: %v", err)
			}
			if tc.r.Total >= 0 && tc.r.Location+tc.r.Length > tc.r.Total {
				t.Errorf("accepted range %v exceeds total", tc.r)
			}
		})
	}
}

func TestRange_Headers(t *testing.T) {
	r := contentrange.Make(100, 100, 1000)

	if got, exp := r.Header(), "bytes=100-199"; got != exp {
		t.Errorf("exp Range %q, got %q", exp, got)
	}
	if got, exp := r.ContentRange(), "bytes 100-199/1000"; got != exp {
		t.Errorf("exp Content-Range %q, got %q", exp, got)
	}

	unknown := contentrange.Make(0, 10, contentrange.Unknown)
	if got, exp := unknown.ContentRange(), "bytes 0-9/*"; got != exp {
		t.Errorf("exp Content-Range %q, got %q", exp, got)
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		exp    contentrange.Range
		expErr bool
	}{
		{name: "known total", header: "bytes 100-199/1000", exp: contentrange.Make(100, 100, 1000)},
		{name: "unknown total", header: "bytes 0-499/*", exp: contentrange.Make(0, 500, contentrange.Unknown)},
		{name: "surrounding space", header: "  bytes 5-5/6 ", exp: contentrange.Make(5, 1, 6)},
		{name: "missing unit", header: "100-199/1000", expErr: true},
		{name: "unsatisfied", header: "bytes */1000", expErr: true},
		{name: "missing total", header: "bytes 100-199", expErr: true},
		{name: "inverted", header: "bytes 199-100/1000", expErr: true},
		{name: "beyond total", header: "bytes 0-1000/1000", expErr: true},
		{name: "garbage total", header: "bytes 0-10/abc", expErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := contentrange.Parse(tc.header)
			if tc.expErr {
				if !errors.Is(err, contentrange.ErrMalformed) {
					t.Errorf("exp ErrMalformed, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("exp nil err, got: %v", err)
			}
			if diff := cmp.Diff(tc.exp, got); diff != "" {
				t.Errorf("range mismatch (-exp +got):\n%s", diff)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	r := contentrange.Make(4096, 1024, 1<<20)

	got, err := contentrange.Parse(r.ContentRange())
	if err != nil {
		t.Fatalf("exp nil err, got: %v", err)
	}
	if got != r {
		t.Errorf("exp %v, got %v", r, got)
	}
}

func TestParseRequest(t *testing.T) {
	got, err := contentrange.ParseRequest("bytes=100-199")
	if err != nil {
		t.Fatalf("exp nil err, got: %v", err)
	}
	if exp := contentrange.Make(100, 100, contentrange.Unknown); got != exp {
		t.Errorf("exp %v, got %v", exp, got)
	}

	for _, bad := range []string{"100-199", "bytes=0-1,5-6", "bytes=-100", "bytes=9-1"} {
		if _, err := contentrange.ParseRequest(bad); !errors.Is(err, contentrange.ErrMalformed) {
			t.Errorf("%q: exp ErrMalformed, got: %v", bad, err)
		}
	}
}

func TestRange_Matches(t *testing.T) {
	requested := contentrange.Make(100, 100, 1000)

	testCases := []struct {
		name   string
		served contentrange.Range
		exp    bool
	}{
		{name: "same", served: contentrange.Make(100, 100, 1000), exp: true},
		{name: "served unknown total", served: contentrange.Make(100, 100, contentrange.Unknown), exp: true},
		{name: "shifted", served: contentrange.Make(0, 100, 1000)},
		{name: "shorter", served: contentrange.Make(100, 50, 1000)},
		{name: "resource changed", served: contentrange.Make(100, 100, 2000)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := requested.Matches(tc.served); got != tc.exp {
				t.Errorf("exp %t, got %t", tc.exp, got)
			}
		})
	}
}
