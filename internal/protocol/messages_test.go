package protocol

import (
	"errors"
	"testing"
)

func TestParseAppendTurn(t *testing.T) {
	raw := []byte(`{"type":"append_turn","events":[{"author":"user","text":"hello"}]}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg, ok := parsed.(AppendTurn)
	if !ok {
		t.Fatalf("parsed type = %T, want AppendTurn", parsed)
	}
	if len(msg.Events) != 1 || msg.Events[0].Text != "hello" {
		t.Fatalf("unexpected events: %+v", msg.Events)
	}
}

func TestParseRejectsEmptyTurn(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"append_turn","events":[]}`)); err == nil {
		t.Fatalf("empty turn accepted")
	}
}

func TestParseRejectsUnknownAuthor(t *testing.T) {
	raw := []byte(`{"type":"append_turn","events":[{"author":"narrator","text":"x"}]}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatalf("unknown author accepted")
	}
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"mystery"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseControlMessages(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"compact"}`)); err != nil {
		t.Fatalf("compact parse error = %v", err)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"read_state"}`)); err != nil {
		t.Fatalf("read_state parse error = %v", err)
	}
}
