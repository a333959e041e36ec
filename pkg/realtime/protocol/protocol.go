// Package protocol defines the control-channel messages exchanged with the
// remote speech model and the decoding of inbound event frames.
//
// Field names follow the provider's JSON schema. Only the event families the
// session manager consumes are modeled; everything else decodes to a
// MalformedEventError with code "unsupported" and is dropped by the caller.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Server event type names.
const (
	TypeSpeechStarted     = "speech.started"
	TypeSpeechStopped     = "speech.stopped"
	TypePartialTranscript = "speech.partial_transcript"
	TypeFinalTranscript   = "speech.final_transcript"
	TypeSegmentStopped    = "speech.segment_stopped"
	TypePartialText       = "generation.partial_text"
	TypeFinalText         = "generation.final_text"
	TypePlaybackStarted   = "playback.started"
	TypePlaybackStopped   = "playback.stopped"
)

// Client control message type names.
const (
	TypeItemCreate     = "item.create"
	TypeResponseCreate = "response.create"
)

// MalformedEventError reports an inbound frame that could not be decoded or
// failed validation. It is never fatal to a session: callers log and drop.
type MalformedEventError struct {
	Code    string
	Message string
	Param   string
}

func (e *MalformedEventError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badEvent(message, param string) *MalformedEventError {
	return &MalformedEventError{Code: "bad_event", Message: message, Param: param}
}

func unsupported(message, param string) *MalformedEventError {
	return &MalformedEventError{Code: "unsupported", Message: message, Param: param}
}

// SpeechStarted signals that the provider began hearing user speech.
type SpeechStarted struct {
	Type string `json:"type"`
}

// SpeechStopped signals that the provider stopped hearing user speech.
type SpeechStopped struct {
	Type string `json:"type"`
}

// PartialTranscript carries one user speech-to-text delta for an item.
type PartialTranscript struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	Text   string `json:"text"`
}

// FinalTranscript is the provider's explicit end-of-turn transcript. Text may
// carry the full corrected utterance, superseding buffered partials.
type FinalTranscript struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	Text   string `json:"text"`
}

// SegmentStopped signals that a speech segment ended without an explicit
// final transcript. It triggers the debounce path.
type SegmentStopped struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

// PartialText carries one assistant text-generation delta.
type PartialText struct {
	Type        string `json:"type"`
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Text        string `json:"text"`
}

// FinalText is the provider's end-of-generation marker for one output.
type FinalText struct {
	Type        string `json:"type"`
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Text        string `json:"text"`
}

// PlaybackStarted signals that synthesized assistant audio began playing.
type PlaybackStarted struct {
	Type string `json:"type"`
}

// PlaybackStopped signals that synthesized assistant audio finished.
type PlaybackStopped struct {
	Type string `json:"type"`
}

// ItemCreate injects a conversation item over the control channel.
type ItemCreate struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// ResponseCreate requests a model response for the current conversation.
type ResponseCreate struct {
	Type       string   `json:"type"`
	Modalities []string `json:"modalities"`
	Voice      string   `json:"voice,omitempty"`
}

// NewUserItem builds the item.create control message for a typed user turn.
func NewUserItem(text string) ItemCreate {
	return ItemCreate{Type: TypeItemCreate, Role: "user", Text: text}
}

// NewResponse builds the response.create control message requesting an
// audio+text reply in the given voice.
func NewResponse(voice string) ResponseCreate {
	return ResponseCreate{
		Type:       TypeResponseCreate,
		Modalities: []string{"audio", "text"},
		Voice:      voice,
	}
}

// DecodeServerEvent decodes one inbound control-channel frame into its typed
// event. Each event family maps to exactly one concrete type, so downstream
// routing is a plain type switch with no string comparisons.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badEvent("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badEvent("missing type", "type")
	}

	switch typ {
	case TypeSpeechStarted:
		return SpeechStarted{Type: typ}, nil
	case TypeSpeechStopped:
		return SpeechStopped{Type: typ}, nil
	case TypePartialTranscript:
		var msg PartialTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badEvent("invalid speech.partial_transcript", "")
		}
		if strings.TrimSpace(msg.ItemID) == "" {
			return nil, badEvent("speech.partial_transcript.item_id is required", "item_id")
		}
		return msg, nil
	case TypeFinalTranscript:
		var msg FinalTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badEvent("invalid speech.final_transcript", "")
		}
		if strings.TrimSpace(msg.ItemID) == "" {
			return nil, badEvent("speech.final_transcript.item_id is required", "item_id")
		}
		return msg, nil
	case TypeSegmentStopped:
		var msg SegmentStopped
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badEvent("invalid speech.segment_stopped", "")
		}
		if strings.TrimSpace(msg.ItemID) == "" {
			return nil, badEvent("speech.segment_stopped.item_id is required", "item_id")
		}
		return msg, nil
	case TypePartialText:
		var msg PartialText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badEvent("invalid generation.partial_text", "")
		}
		if strings.TrimSpace(msg.ResponseID) == "" {
			return nil, badEvent("generation.partial_text.response_id is required", "response_id")
		}
		if msg.OutputIndex < 0 {
			return nil, badEvent("generation.partial_text.output_index must be >= 0", "output_index")
		}
		return msg, nil
	case TypeFinalText:
		var msg FinalText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badEvent("invalid generation.final_text", "")
		}
		if strings.TrimSpace(msg.ResponseID) == "" {
			return nil, badEvent("generation.final_text.response_id is required", "response_id")
		}
		if msg.OutputIndex < 0 {
			return nil, badEvent("generation.final_text.output_index must be >= 0", "output_index")
		}
		return msg, nil
	case TypePlaybackStarted:
		return PlaybackStarted{Type: typ}, nil
	case TypePlaybackStopped:
		return PlaybackStopped{Type: typ}, nil
	}
	return nil, unsupported(fmt.Sprintf("unsupported event type %q", typ), "type")
}
