package money

import "testing"

func TestParseCents(t *testing.T) {
	tests := []struct {
		in    string
		cents int64
		ok    bool
	}{
		{"20.00", 2000, true},
		{"20", 2000, true},
		{"0.5", 50, true},
		{".50", 50, true},
		{"0.01", 1, true},
		{"1000000", 100000000, true},
		{"", 0, false},
		{"-5.00", 0, false},
		{"1.999", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{".", 0, false},
		{"1,00", 0, false},
	}

	for _, tt := range tests {
		cents, ok := ParseCents(tt.in)
		if ok != tt.ok || cents != tt.cents {
			t.Errorf("ParseCents(%q) = (%d, %v), want (%d, %v)", tt.in, cents, ok, tt.cents, tt.ok)
		}
	}
}

func TestFormatCents(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{2000, "20.00"},
		{1500, "15.00"},
		{5, "0.05"},
		{0, "0.00"},
		{-750, "-7.50"},
	}

	for _, tt := range tests {
		if got := FormatCents(tt.cents); got != tt.want {
			t.Errorf("FormatCents(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		total     int64
		share     int
		recipient int64
		platform  int64
	}{
		{2000, 75, 1500, 500},
		{1000, 75, 750, 250},
		{1001, 75, 750, 251}, // remainder cent goes to the platform
		{99, 75, 74, 25},
		{100, 100, 100, 0},
		{0, 75, 0, 0},
	}

	for _, tt := range tests {
		recipient, platform := Split(tt.total, tt.share)
		if recipient != tt.recipient || platform != tt.platform {
			t.Errorf("Split(%d, %d) = (%d, %d), want (%d, %d)",
				tt.total, tt.share, recipient, platform, tt.recipient, tt.platform)
		}
		if recipient+platform != tt.total {
			t.Errorf("Split(%d, %d) parts sum to %d", tt.total, tt.share, recipient+platform)
		}
	}
}
