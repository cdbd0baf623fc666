package commands

import (
	"errors"
	"reflect"
	"testing"
	"time"
	_ "time/tzdata"

	"schedbot/internal/schedule"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/help", []string{"/help"}},
		{`/video https://x.y  --message "two words" --at 18:30`, []string{"/video", "https://x.y", "--message", "two words", "--at", "18:30"}},
		{`/announce 'it''s' ""`, []string{"/announce", "its", ""}},
		{`/a b\ c`, []string{"/a", "b c"}},
		{"/announce héllo\twörld", []string{"/announce", "héllo", "wörld"}},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	pos, flags, bools := parseFlags([]string{"url", "--at", "18:30", "--mention=@all", "hello", "-v", "--dry", "--", "--not-a-flag"})
	if !reflect.DeepEqual(pos, []string{"url", "hello", "--not-a-flag"}) {
		t.Fatalf("pos = %q", pos)
	}
	if flags["at"] != "18:30" || flags["mention"] != "@all" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["v"] || !bools["dry"] {
		t.Fatalf("bools = %v", bools)
	}
}

func TestExpandNewlines(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"plain":                      "plain",
		"line1//line2":               "line1\nline2",
		"a////b":                     "a\n\nb",
		"see https://example.com//x": "see https://example.com\nx",
	}
	for in, want := range cases {
		if got := expandNewlines(in); got != want {
			t.Fatalf("expandNewlines(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseWhen(t *testing.T) {
	t.Parallel()
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, paris)

	cases := []struct {
		raw  string
		want time.Time
	}{
		{"18:45", time.Date(2026, 3, 10, 18, 45, 0, 0, paris)},
		{"9:05", time.Date(2026, 3, 11, 9, 5, 0, 0, paris)},
		{"14:30", time.Date(2026, 3, 11, 14, 30, 0, 0, paris)},
		{"2026-04-01 08:00", time.Date(2026, 4, 1, 8, 0, 0, 0, paris)},
		{"2026-04-01T08:00:00Z", time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseWhen(tc.raw, now, paris)
		if err != nil {
			t.Fatalf("ParseWhen(%q): %v", tc.raw, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("ParseWhen(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}

	for _, bad := range []string{"", "25:00", "12:60", "noon", "12:5", "2026-13-01 10:00"} {
		if _, err := ParseWhen(bad, now, paris); !errors.Is(err, schedule.ErrInvalidTime) {
			t.Fatalf("ParseWhen(%q) err = %v, want ErrInvalidTime", bad, err)
		}
	}
}

func TestParseWhenAcrossDSTChange(t *testing.T) {
	t.Parallel()
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	// the evening before clocks go forward
	now := time.Date(2026, 3, 28, 22, 0, 0, 0, paris)
	got, err := ParseWhen("10:00", now, paris)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 29, 10, 0, 0, 0, paris)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if d := got.Sub(now); d != 11*time.Hour {
		t.Fatalf("delay = %v, want 11h", d)
	}
}
