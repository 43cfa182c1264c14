package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Inbound frame discriminants.
const (
	TypeChatHistory = "chat_history"
	TypeChatMessage = "chat_message"
	TypeAudioLevel  = "audio_level"
)

var (
	ErrFrameDecode = errors.New("frame decode failed")

	errUnknownType    = errors.New("unknown frame type")
	errMissingField   = errors.New("missing required field")
	errBadTimestamp   = errors.New("invalid timestamp")
	errBadPeak        = errors.New("invalid peak value")
	errBadAlertLevel  = errors.New("invalid alert level")
	errEmptyPayload   = errors.New("empty payload")
	errNotJSONObject  = errors.New("payload is not a json object")
	errBadDeviceID    = errors.New("invalid device id")
	errEmptyChatField = errors.New("empty chat field")
)

// FrameDecodeError is returned for inbound payloads that fail to parse or validate.
// It matches ErrFrameDecode with errors.Is.
type FrameDecodeError struct {
	Type string
	Err  error
}

func (e *FrameDecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%v: %v", ErrFrameDecode, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrFrameDecode, e.Type, e.Err)
}

func (e *FrameDecodeError) Unwrap() []error {
	return []error{ErrFrameDecode, e.Err}
}

type (
	wireFrame struct {
		Type     string             `json:"type"`
		Messages *[]json.RawMessage `json:"messages"`
		Message  json.RawMessage    `json:"message"`
	}

	wireChatMessage struct {
		User      string `json:"user"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
	}

	wireAudioLevel struct {
		Type       string      `json:"type,omitempty"`
		DeviceID   json.Number `json:"device_id"`
		Peak       *float64    `json:"peak"`
		AlertLevel string      `json:"alert_level"`
		Timestamp  string      `json:"timestamp"`
	}
)

// DecodeFrame parses a raw inbound payload into a Frame.
// Any failure is reported as *FrameDecodeError.
func DecodeFrame(raw []byte) (Frame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Frame{}, &FrameDecodeError{Err: errEmptyPayload}
	}
	if raw[0] != '{' {
		return Frame{}, &FrameDecodeError{Err: errNotJSONObject}
	}
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return Frame{}, &FrameDecodeError{Err: err}
	}

	typ := wf.Type
	if typ == "" && len(wf.Message) > 0 {
		// Monitor consumers of the backend nest the discriminant in the message body.
		var inner struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(wf.Message, &inner); err == nil {
			typ = inner.Type
		}
	}

	frame, err := decodeTyped(typ, &wf)
	if err != nil {
		return Frame{}, &FrameDecodeError{Type: typ, Err: err}
	}
	return frame, nil
}

func decodeTyped(typ string, wf *wireFrame) (Frame, error) {
	switch typ {
	case TypeChatHistory:
		if wf.Messages == nil {
			return Frame{}, fmt.Errorf("%w: messages", errMissingField)
		}
		events := make([]Event, 0, len(*wf.Messages))
		for i, rawMsg := range *wf.Messages {
			msg, err := decodeChatMessage(rawMsg)
			if err != nil {
				return Frame{}, fmt.Errorf("messages[%d]: %w", i, err)
			}
			events = append(events, msg)
		}
		return Snapshot(typ, events...), nil

	case TypeChatMessage:
		if len(wf.Message) == 0 {
			return Frame{}, fmt.Errorf("%w: message", errMissingField)
		}
		msg, err := decodeChatMessage(wf.Message)
		if err != nil {
			return Frame{}, err
		}
		return Increment(typ, msg), nil

	case TypeAudioLevel:
		if len(wf.Message) == 0 {
			return Frame{}, fmt.Errorf("%w: message", errMissingField)
		}
		sample, err := decodeAudioLevel(wf.Message)
		if err != nil {
			return Frame{}, err
		}
		return Increment(typ, sample), nil

	default:
		return Frame{}, fmt.Errorf("%w: %q", errUnknownType, typ)
	}
}

func decodeChatMessage(raw json.RawMessage) (ChatMessage, error) {
	var wm wireChatMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return ChatMessage{}, err
	}
	if wm.User == "" {
		return ChatMessage{}, fmt.Errorf("%w: user", errEmptyChatField)
	}
	at, err := ParseTimestamp(wm.Timestamp)
	if err != nil {
		return ChatMessage{}, err
	}
	return ChatMessage{
		Author: wm.User,
		Body:   wm.Text,
		At:     at,
	}, nil
}

func decodeAudioLevel(raw json.RawMessage) (AudioSample, error) {
	var wa wireAudioLevel
	if err := json.Unmarshal(raw, &wa); err != nil {
		return AudioSample{}, err
	}
	if wa.Peak == nil {
		return AudioSample{}, fmt.Errorf("%w: peak", errMissingField)
	}
	if math.IsNaN(*wa.Peak) || math.IsInf(*wa.Peak, 0) || *wa.Peak < 0 {
		return AudioSample{}, fmt.Errorf("%w: %v", errBadPeak, *wa.Peak)
	}
	severity, ok := ParseSeverity(wa.AlertLevel)
	if !ok {
		return AudioSample{}, fmt.Errorf("%w: %q", errBadAlertLevel, wa.AlertLevel)
	}
	var deviceID int64
	if wa.DeviceID != "" {
		id, err := wa.DeviceID.Int64()
		if err != nil {
			return AudioSample{}, fmt.Errorf("%w: %v", errBadDeviceID, err)
		}
		deviceID = id
	}
	at, err := ParseTimestamp(wa.Timestamp)
	if err != nil {
		return AudioSample{}, err
	}
	return AudioSample{
		DeviceID: deviceID,
		Peak:     *wa.Peak,
		Severity: severity,
		At:       at,
	}, nil
}

// Layouts accepted for ISO-8601 timestamps. Zone-less values are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp", errMissingField)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errBadTimestamp, value)
}

// EncodeChatMessage builds the outbound chat send payload.
func EncodeChatMessage(msg ChatMessage) ([]byte, error) {
	if msg.Author == "" {
		return nil, fmt.Errorf("%w: user", errEmptyChatField)
	}
	if msg.Body == "" {
		return nil, fmt.Errorf("%w: text", errEmptyChatField)
	}
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(&wireChatMessage{
		User:      msg.Author,
		Text:      msg.Body,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}
