package playback

import (
	"errors"
	"testing"
)

// A typical short clip and the requests a video element sends while seeking.
const clipSize = 48_000

func TestParseRange(t *testing.T) {
	tests := []struct {
		name   string
		header string
		size   int64
		want   *Range
		err    error
	}{
		// No header: the player wants the whole clip.
		{name: "no header", header: "", size: clipSize},
		{name: "no header on empty clip", header: "", size: 0},

		// Opening requests and seeks.
		{name: "initial probe", header: "bytes=0-", size: clipSize, want: &Range{0, clipSize - 1}},
		{name: "seek to middle", header: "bytes=24000-", size: clipSize, want: &Range{24000, clipSize - 1}},
		{name: "bounded chunk", header: "bytes=1024-2047", size: clipSize, want: &Range{1024, 2047}},
		{name: "whitespace after unit", header: "bytes= 10-19", size: clipSize, want: &Range{10, 19}},

		// The end is clamped to the last byte of the stored binary.
		{name: "end past clip", header: "bytes=47000-99999", size: clipSize, want: &Range{47000, clipSize - 1}},
		{name: "one byte clip", header: "bytes=0-10", size: 1, want: &Range{0, 0}},

		// Suffix ranges ask for the tail, e.g. an mp4 moov atom at the end.
		{name: "tail of clip", header: "bytes=-8", size: clipSize, want: &Range{clipSize - 8, clipSize - 1}},
		{name: "tail longer than clip", header: "bytes=-100000", size: clipSize, want: &Range{0, clipSize - 1}},
		{name: "tail of empty clip", header: "bytes=-8", size: 0, err: ErrUnsatisfiable},
		{name: "empty tail", header: "bytes=-0", size: clipSize, err: ErrInvalidRange},
		{name: "suffix without length", header: "bytes=-", size: clipSize, err: ErrInvalidRange},

		// Multi-range requests are answered with their first range only.
		{name: "first of several", header: "bytes=100-199,500-599", size: clipSize, want: &Range{100, 199}},
		{name: "first of several unsatisfiable", header: "bytes=90000-,0-10", size: clipSize, err: ErrUnsatisfiable},

		// Ranges the stored binary cannot satisfy.
		{name: "start at size", header: "bytes=48000-", size: clipSize, err: ErrUnsatisfiable},
		{name: "start after end", header: "bytes=500-100", size: clipSize, err: ErrUnsatisfiable},
		{name: "any range on empty clip", header: "bytes=0-", size: 0, err: ErrUnsatisfiable},

		// Malformed headers; the server falls back to the whole clip.
		{name: "other unit", header: "frames=0-10", size: clipSize, err: ErrInvalidRange},
		{name: "no dash", header: "bytes=100", size: clipSize, err: ErrInvalidRange},
		{name: "letters", header: "bytes=a-b", size: clipSize, err: ErrInvalidRange},
		{name: "end overflows", header: "bytes=0-99999999999999999999", size: clipSize, err: ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.size)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("error = %v, want %v", err, tt.err)
				}
				if got != nil {
					t.Errorf("range = %+v alongside an error", *got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("range = %+v, want whole clip", *got)
			case tt.want != nil && got == nil:
				t.Errorf("whole clip, want %+v", *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("range = %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func TestRange_PartialResponseHeaders(t *testing.T) {
	tests := []struct {
		header      string
		size        int64
		wantLength  int64
		wantContent string
	}{
		{"bytes=0-", clipSize, clipSize, "bytes 0-47999/48000"},
		{"bytes=-8", clipSize, 8, "bytes 47992-47999/48000"},
		{"bytes=1024-2047", clipSize, 1024, "bytes 1024-2047/48000"},
		{"bytes=0-0", 1, 1, "bytes 0-0/1"},
	}

	for _, tt := range tests {
		rng, err := ParseRange(tt.header, tt.size)
		if err != nil || rng == nil {
			t.Fatalf("ParseRange(%q) = %v, %v", tt.header, rng, err)
		}
		if got := rng.ContentLength(); got != tt.wantLength {
			t.Errorf("%s: Content-Length = %d, want %d", tt.header, got, tt.wantLength)
		}
		if got := rng.ContentRange(tt.size); got != tt.wantContent {
			t.Errorf("%s: Content-Range = %q, want %q", tt.header, got, tt.wantContent)
		}
	}
}
