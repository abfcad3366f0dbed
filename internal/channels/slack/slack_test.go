package slack

import "testing"

func TestStripMentions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no mentions", in: "hello world", want: "hello world"},
		{name: "leading mention", in: "<@U123ABC> hello", want: "hello"},
		{name: "mention mid-sentence", in: "hey <@U123ABC> can you help?", want: "hey  can you help?"},
		{name: "non-mention angle brackets kept", in: "see <https://example.com>", want: "see <https://example.com>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMentions(tt.in); got != tt.want {
				t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTsToTime(t *testing.T) {
	got := tsToTime("1234567890.123456")
	if got.Unix() != 1234567890 {
		t.Errorf("tsToTime seconds = %d, want 1234567890", got.Unix())
	}
	if got.Nanosecond() != 123456000 {
		t.Errorf("tsToTime nanoseconds = %d, want 123456000", got.Nanosecond())
	}
}

func TestTsToTime_Malformed(t *testing.T) {
	got := tsToTime("not-a-timestamp")
	if got.Unix() != 0 {
		t.Errorf("tsToTime(malformed) = %v, want zero seconds", got)
	}
}
