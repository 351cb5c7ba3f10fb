package wecom

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessage_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{"defaults to text card", Message{Target: "a", Title: "t", URL: "https://x"}, ""},
		{"text without url", Message{Target: "a", Type: MessageText, Title: "t"}, ""},
		{"missing target", Message{Type: MessageText, Title: "t"}, "target is required"},
		{"missing title", Message{Target: "a", Type: MessageMarkdown}, "title is required"},
		{"card without url", Message{Target: "a", Title: "t"}, "url is required"},
		{"unknown type", Message{Target: "a", Title: "t", Type: "NEWS"}, "unknown message type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			err := msg.Normalize()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Normalize() returned %v", err)
				}
				if msg.Type == "" {
					t.Error("Expected a message type to be set")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Normalize() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildPayload_TextCard(t *testing.T) {
	msg := &Message{Target: "alice|bob", Type: MessageTextCard, Title: "Deploy", Content: "v1.2 is live", URL: "https://ci/1"}
	p := BuildPayload(msg, 1000002)

	if p.ToUser != "alice|bob" || p.AgentID != 1000002 || p.MsgType != "textcard" {
		t.Fatalf("Unexpected envelope: %+v", p)
	}
	if p.TextCard == nil || p.TextCard.Title != "Deploy" || p.TextCard.Description != "v1.2 is live" ||
		p.TextCard.URL != "https://ci/1" || p.TextCard.BtnTxt != "详情" {
		t.Errorf("Unexpected textcard body: %+v", p.TextCard)
	}
	if p.Text != nil || p.Markdown != nil {
		t.Error("Expected only the textcard body to be set")
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["enable_duplicate_check"] != float64(0) {
		t.Errorf("Expected enable_duplicate_check=0, got %v", decoded["enable_duplicate_check"])
	}
	if _, ok := decoded["text"]; ok {
		t.Error("Expected text to be omitted for textcard messages")
	}
}

func TestBuildPayload_Text(t *testing.T) {
	p := BuildPayload(&Message{Target: "a", Type: MessageText, Title: "T", Content: "C", URL: "U"}, 1)
	if p.MsgType != "text" || p.Text == nil || p.Text.Content != "T\nC\nU" {
		t.Errorf("Unexpected text payload: %+v", p)
	}
}

func TestBuildPayload_Markdown(t *testing.T) {
	p := BuildPayload(&Message{Target: "a", Type: MessageMarkdown, Title: "T", Content: "C", URL: "https://x"}, 1)
	if p.MsgType != "markdown" || p.Markdown == nil {
		t.Fatalf("Unexpected markdown payload: %+v", p)
	}
	if want := "**T**\nC\n[详情](https://x)"; p.Markdown.Content != want {
		t.Errorf("Markdown content = %q, want %q", p.Markdown.Content, want)
	}

	p = BuildPayload(&Message{Target: "a", Type: MessageMarkdown, Title: "T", Content: "C"}, 1)
	if want := "**T**\nC"; p.Markdown.Content != want {
		t.Errorf("Markdown content without url = %q, want %q", p.Markdown.Content, want)
	}
}
