package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeServerEvent_PartialTranscript(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"type":"speech.partial_transcript","item_id":"itm_1","text":"hel"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	msg, ok := ev.(PartialTranscript)
	if !ok {
		t.Fatalf("ev=%T, want PartialTranscript", ev)
	}
	if msg.ItemID != "itm_1" || msg.Text != "hel" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestDecodeServerEvent_FinalText(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"type":"generation.final_text","response_id":"r1","output_index":0,"text":"done"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	msg, ok := ev.(FinalText)
	if !ok {
		t.Fatalf("ev=%T, want FinalText", ev)
	}
	if msg.ResponseID != "r1" || msg.OutputIndex != 0 || msg.Text != "done" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestDecodeServerEvent_Lifecycle(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{`{"type":"speech.started"}`, SpeechStarted{Type: TypeSpeechStarted}},
		{`{"type":"speech.stopped"}`, SpeechStopped{Type: TypeSpeechStopped}},
		{`{"type":"playback.started"}`, PlaybackStarted{Type: TypePlaybackStarted}},
		{`{"type":"playback.stopped"}`, PlaybackStopped{Type: TypePlaybackStopped}},
		{`{"type":"speech.segment_stopped","item_id":"itm_2"}`, SegmentStopped{Type: TypeSegmentStopped, ItemID: "itm_2"}},
	}
	for _, tc := range cases {
		ev, err := DecodeServerEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s failed: %v", tc.raw, err)
		}
		if ev != tc.want {
			t.Fatalf("decode %s = %#v, want %#v", tc.raw, ev, tc.want)
		}
	}
}

func TestDecodeServerEvent_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `{{`, "bad_event"},
		{"missing type", `{"item_id":"x"}`, "bad_event"},
		{"unknown type", `{"type":"session.updated"}`, "unsupported"},
		{"partial without item id", `{"type":"speech.partial_transcript","text":"x"}`, "bad_event"},
		{"segment without item id", `{"type":"speech.segment_stopped"}`, "bad_event"},
		{"final text without response id", `{"type":"generation.final_text","output_index":0}`, "bad_event"},
		{"negative output index", `{"type":"generation.final_text","response_id":"r1","output_index":-1}`, "bad_event"},
	}
	for _, tc := range cases {
		ev, err := DecodeServerEvent([]byte(tc.raw))
		if err == nil {
			t.Fatalf("%s: expected error, got %#v", tc.name, ev)
		}
		var malformed *MalformedEventError
		if !errors.As(err, &malformed) {
			t.Fatalf("%s: err=%T, want *MalformedEventError", tc.name, err)
		}
		if malformed.Code != tc.code {
			t.Fatalf("%s: code=%q, want %q", tc.name, malformed.Code, tc.code)
		}
	}
}

func TestOutboundControlMessages(t *testing.T) {
	item, err := json.Marshal(NewUserItem("hello"))
	if err != nil {
		t.Fatalf("marshal item.create: %v", err)
	}
	var gotItem map[string]any
	if err := json.Unmarshal(item, &gotItem); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gotItem["type"] != TypeItemCreate || gotItem["role"] != "user" || gotItem["text"] != "hello" {
		t.Fatalf("item.create=%v", gotItem)
	}

	resp, err := json.Marshal(NewResponse("aria"))
	if err != nil {
		t.Fatalf("marshal response.create: %v", err)
	}
	var gotResp ResponseCreate
	if err := json.Unmarshal(resp, &gotResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gotResp.Type != TypeResponseCreate || gotResp.Voice != "aria" {
		t.Fatalf("response.create=%+v", gotResp)
	}
	if len(gotResp.Modalities) != 2 || gotResp.Modalities[0] != "audio" || gotResp.Modalities[1] != "text" {
		t.Fatalf("modalities=%v", gotResp.Modalities)
	}
}
