package domain

import (
	"bytes"
	"testing"
)

func TestIDCounterMonotonic(t *testing.T) {
	var c IDCounter
	prev := ListenerID
	for i := 0; i < 100; i++ {
		id := c.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}

func TestStageCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageInit, StageAuthSelectFinish, true},
		{StageAuthSelectFinish, StageRequestFinish, true},
		{StageRequestFinish, StageReceiveContent, true},
		{StageRequestFinish, StageContentFinish, true},
		{StageRequestFinish, StageInit, false},
		{StageInit, StageInit, false},
		{StageContentFinish, Stage(9), false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"_"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestParseRelayMode(t *testing.T) {
	for in, want := range map[string]RelayMode{"raw": RelayRaw, "HTTP": RelayHTTP, " raw ": RelayRaw} {
		got, err := ParseRelayMode(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
	if _, err := ParseRelayMode("tcp"); err == nil {
		t.Fatal("expected error")
	}
}

func TestBufferFIFO(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	b.Consume(6)
	if got := string(b.Bytes()); got != "world" {
		t.Fatalf("got %q", got)
	}

	var dst Buffer
	b.MoveTo(&dst, 3)
	if got := string(dst.Bytes()); got != "wor" {
		t.Fatalf("dst got %q", got)
	}
	if got := string(b.Bytes()); got != "ld" {
		t.Fatalf("src got %q", got)
	}
}

func TestBufferCompacts(t *testing.T) {
	var b Buffer
	chunk := bytes.Repeat([]byte{'x'}, compactThreshold)
	b.Append(chunk)
	b.Append([]byte("tail"))
	b.Consume(compactThreshold)
	b.AppendByte('!')
	if b.off != 0 {
		t.Fatalf("expected compaction, off=%d", b.off)
	}
	if got := string(b.Bytes()); got != "tail!" {
		t.Fatalf("got %q", got)
	}
}

func TestBufferConsumePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var b Buffer
	b.Append([]byte("ab"))
	b.Consume(3)
}
