package wire

import (
	"encoding/json"
	"testing"
)

func TestDecodeConfirmationRequest(t *testing.T) {
	data := []byte(`{"type":"confirmation_request","topic":"Kuantum","content":"Araştırma başlatılsın mı?"}`)

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != TypeConfirmationRequest {
		t.Errorf("expected type %q, got %q", TypeConfirmationRequest, msg.Type)
	}
	if msg.Topic != "Kuantum" {
		t.Errorf("expected topic Kuantum, got %q", msg.Topic)
	}
	if msg.Content != "Araştırma başlatılsın mı?" {
		t.Errorf("unexpected content: %q", msg.Content)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDecodeSubTopicsAsStrings(t *testing.T) {
	data := []byte(`{"type":"subtopics_found","subtopics":["A","B","C"]}`)

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(msg.SubTopics) != 3 {
		t.Fatalf("expected 3 subtopics, got %d", len(msg.SubTopics))
	}
	for i, want := range []string{"A", "B", "C"} {
		if msg.SubTopics[i].Title != want {
			t.Errorf("subtopic %d: expected %q, got %q", i, want, msg.SubTopics[i].Title)
		}
	}
}

func TestDecodeSubTopicsAsObjects(t *testing.T) {
	data := []byte(`{"type":"subtopics_initialized","subtopics":[{"alt_baslik":"Tarihçe"},{"title":"Uygulamalar"},{}]}`)

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(msg.SubTopics) != 3 {
		t.Fatalf("expected 3 subtopics, got %d", len(msg.SubTopics))
	}
	if msg.SubTopics[0].Title != "Tarihçe" {
		t.Errorf("expected alt_baslik title, got %q", msg.SubTopics[0].Title)
	}
	if msg.SubTopics[1].Title != "Uygulamalar" {
		t.Errorf("expected title field, got %q", msg.SubTopics[1].Title)
	}
	if msg.SubTopics[2].Title != "" {
		t.Errorf("expected empty title for empty object, got %q", msg.SubTopics[2].Title)
	}
}

func TestDecodeShowInChat(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"workflow_message","agent":"WebResearcher","message":"m","show_in_chat":false}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.ShowInChat == nil || *msg.ShowInChat {
		t.Error("expected show_in_chat to decode as explicit false")
	}

	msg, err = Decode([]byte(`{"type":"workflow_message","agent":"WebResearcher","message":"m"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.ShowInChat != nil {
		t.Error("expected absent show_in_chat to decode as nil")
	}
}

func TestConfirmationResponseEncoding(t *testing.T) {
	topic := "Kuantum"
	resp := NewConfirmationResponse(true, &topic)

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != "confirmation_response" {
		t.Errorf("unexpected type: %v", decoded["type"])
	}
	if decoded["confirmed"] != true {
		t.Errorf("unexpected confirmed: %v", decoded["confirmed"])
	}
	if decoded["topic"] != "Kuantum" {
		t.Errorf("unexpected topic: %v", decoded["topic"])
	}
	if decoded["message"] != "evet" {
		t.Errorf("unexpected message: %v", decoded["message"])
	}
}

func TestConfirmationResponseDeclinedNullTopic(t *testing.T) {
	resp := NewConfirmationResponse(false, nil)

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["message"] != "hayır" {
		t.Errorf("unexpected message: %v", decoded["message"])
	}
	if topic, present := decoded["topic"]; !present || topic != nil {
		t.Errorf("expected topic to be present and null, got %v (present=%v)", topic, present)
	}
}

func TestUserMessageEncoding(t *testing.T) {
	data, err := json.Marshal(NewUserMessage("merhaba", true))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != TypeUserMessage || msg.Message != "merhaba" || !msg.ForceWebResearch {
		t.Errorf("round trip mismatch: %+v", msg)
	}
}

func TestTextPrefersMessage(t *testing.T) {
	msg := &Message{Message: "m", Content: "c"}
	if msg.Text() != "m" {
		t.Errorf("expected message field, got %q", msg.Text())
	}
	msg = &Message{Content: "c"}
	if msg.Text() != "c" {
		t.Errorf("expected content fallback, got %q", msg.Text())
	}
}
