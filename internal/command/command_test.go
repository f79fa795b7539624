package command

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{On(), "ON"},
		{Off(), "OFF"},
		{Light(true), "ON"},
		{Light(false), "OFF"},
		{Probe(0), "PING"},
		{Probe(42), "PING 42"},
		{Command{Kind: Stop}, "STOP"},
		{Blink(33333*time.Microsecond, true), "START 33333 1"},
		{Blink(50*time.Millisecond, false), "START 50000 0"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := string(tt.cmd.Encode()); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{in: "ON", want: On()},
		{in: "off\n", want: Off()},
		{in: "PING", want: Probe(0)},
		{in: "PING 7", want: Probe(7)},
		{in: "STOP", want: Command{Kind: Stop}},
		{in: "START 33333 1", want: Blink(33333*time.Microsecond, true)},
		{in: "START 1000 0", want: Blink(time.Millisecond, false)},
		{in: "", wantErr: true},
		{in: "PING x", wantErr: true},
		{in: "START 10", wantErr: true},
		{in: "START -5 1", wantErr: true},
		{in: "DANCE", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("Parse(%q) error = %v, want ErrMalformed", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.in, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestParseRoundTripsEncode(t *testing.T) {
	for _, c := range []Command{On(), Off(), Probe(9), Blink(20*time.Millisecond, true)} {
		got, err := Parse(c.Encode())
		if err != nil {
			t.Fatalf("Parse(%q): %v", c, err)
		}
		if got != c {
			t.Errorf("Parse(Encode(%v)) = %v", c, got)
		}
	}
}
