package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":" Pause "}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionPause {
		t.Fatalf("Action = %q, want %q", control.Action, ActionPause)
	}
}

func TestParseClientMessageSetInterval(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"set_interval","interval_ms":5000}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if got := msg.(ClientControl).IntervalMS; got != 5000 {
		t.Fatalf("IntervalMS = %d, want 5000", got)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"client_control","action":"set_interval"}`)); err == nil {
		t.Fatalf("expected error for missing interval_ms")
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","action":"rewind"}`)); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestParseClientMessageUserMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"user_message","content":"What about costs?"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	um, ok := msg.(UserMessage)
	if !ok {
		t.Fatalf("message type = %T, want UserMessage", msg)
	}
	if um.Content != "What about costs?" {
		t.Fatalf("Content = %q", um.Content)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"user_message","content":"  "}`)); err == nil {
		t.Fatalf("expected error for blank content")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}
