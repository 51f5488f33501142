package markers

import (
	"errors"
	"testing"
)

func TestLevelRanks(t *testing.T) {
	if !(Received.Rank() < Displayed.Rank() && Displayed.Rank() < Acknowledged.Rank()) {
		t.Fatalf("unexpected ranks: %d %d %d", Received.Rank(), Displayed.Rank(), Acknowledged.Rank())
	}
	if Level("read").Rank() != 0 || Level("").Rank() != 0 {
		t.Fatalf("unknown levels must rank 0")
	}
	if !Displayed.AtLeast(Received) || !Displayed.AtLeast(Displayed) || Displayed.AtLeast(Acknowledged) {
		t.Fatalf("AtLeast misordered")
	}
	if Level("").AtLeast(Received) {
		t.Fatalf("empty level must not satisfy AtLeast")
	}
}

func TestParseLevel(t *testing.T) {
	for _, l := range Levels() {
		got, err := ParseLevel(string(l))
		if err != nil || got != l {
			t.Fatalf("ParseLevel(%q) = %q, %v", l, got, err)
		}
	}
	for _, bad := range []string{"", "read", "Displayed"} {
		if _, err := ParseLevel(bad); !errors.Is(err, ErrUnknownLevel) {
			t.Fatalf("ParseLevel(%q) err = %v, want ErrUnknownLevel", bad, err)
		}
	}
}

func TestNewSettingsRejectsUnknownLevel(t *testing.T) {
	if _, err := NewSettings(10, []string{"displayed", "seen"}); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("err = %v, want ErrUnknownLevel", err)
	}
	st, err := NewSettings(10, []string{"displayed"})
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	if !st.enabled(Displayed) || st.enabled(Received) {
		t.Fatalf("unexpected enabled set: %v", st.Enabled)
	}
}

func TestStanzaElement(t *testing.T) {
	st := NewStanza("bob@example", "chat", Acknowledged, "m1")
	if st.Element() != "acknowledged" || st.ID == "" {
		t.Fatalf("unexpected stanza: %+v", st)
	}
	if other := NewStanza("bob@example", "chat", Acknowledged, "m1"); other.ID == st.ID {
		t.Fatalf("stanza ids must be unique")
	}
}

func TestBare(t *testing.T) {
	cases := map[string]string{
		"Bob@Example/phone": "bob@example",
		"bob@example":       "bob@example",
		" room@muc/nick/x ": "room@muc",
	}
	for in, want := range cases {
		if got := Bare(in); got != want {
			t.Fatalf("Bare(%q) = %q, want %q", in, got, want)
		}
	}
}
