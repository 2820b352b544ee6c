// Package wire implements the line-framed JSON request/response protocol:
// one recv is one frame, the legacy client's double-JSON-encoding is
// tolerated on input, and the server always emits the single-encoded form.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Status codes returned in Response.Code.
const (
	CodeOK           = 200
	CodeRefused      = 205
	CodeMalformed    = 400
	CodeForbidden    = 403
	CodeUnknownVerb  = 404
	CodeInternal     = 500
)

// ErrMalformedFrame is returned by DecodeRequest when a frame
// cannot be parsed as a single JSON value, single- or double-encoded.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Request is the decoded form of an incoming client record.
type Request struct {
	Action string                 `json:"action"`
	Time   float64                `json:"time"`
	Data   map[string]interface{} `json:"data"`
}

// IsValid reports whether the base request envelope is well-formed: an
// action must be present.
func (r Request) IsValid() bool {
	return r.Action != ""
}

// StringField fetches a string field from Data, returning "" if absent or
// of the wrong type.
func (r Request) StringField(name string) string {
	v, ok := r.Data[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Float64Field fetches a numeric field from Data (JSON numbers decode to
// float64 in map[string]interface{}).
func (r Request) Float64Field(name string) (float64, bool) {
	v, ok := r.Data[name]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// BoolField reports the truthiness of a field: JSON true, a non-zero
// number, or a non-empty string all count, matching the source protocol's
// loose "upload_status is truthy" contract.
func (r Request) BoolField(name string) bool {
	v, ok := r.Data[name]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return false
	}
}

// Response is the encoded form of an outgoing server record.
type Response struct {
	Action    string                 `json:"action"`
	Timestamp float64                `json:"timestamp"`
	Code      int                    `json:"code"`
	Info      string                 `json:"info"`
	Fields    map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Fields alongside the envelope so verb-specific
// fields sit at the top level next to action/timestamp/code/info.
func (r Response) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"action":    r.Action,
		"timestamp": r.Timestamp,
		"code":      r.Code,
		"info":      r.Info,
	}
	for k, v := range r.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// With returns a copy of r with the given field set, for fluent handler
// construction.
func (r Response) With(key string, value interface{}) Response {
	cp := r
	cp.Fields = make(map[string]interface{}, len(r.Fields)+1)
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return cp
}

// nowFunc is overridable in tests.
var nowFunc = func() float64 {
	return float64(timeNowUnixNano()) / 1e9
}

// NewResponse builds the 200-OK base response echoing req's action.
func NewResponse(req Request, info string) Response {
	return Response{Action: req.Action, Timestamp: nowFunc(), Code: CodeOK, Info: info}
}

// NewStatus builds a non-200 response echoing req's action.
func NewStatus(req Request, code int, info string) Response {
	return Response{Action: req.Action, Timestamp: nowFunc(), Code: code, Info: info}
}

// Malformed, Unsupported and Internal cover the three error responses a
// request can receive before a handler ever runs.
func Malformed(action string) Response {
	return Response{Action: action, Timestamp: nowFunc(), Code: CodeMalformed, Info: "Wrong request format"}
}

func Unsupported(action string) Response {
	return Response{Action: action, Timestamp: nowFunc(), Code: CodeUnknownVerb, Info: "Action is not supported"}
}

func Internal(action string) Response {
	return Response{Action: action, Timestamp: nowFunc(), Code: CodeInternal, Info: "Internal server error"}
}

// DecodeRequest accepts both wire forms a frame can arrive in: a plain
// JSON object, or a JSON string whose content is itself a JSON object
// (a legacy client that double-encodes before sending).
func DecodeRequest(frame []byte) (Request, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Request{}, ErrMalformedFrame
	}

	body := frame
	if frame[0] == '"' {
		var inner string
		if err := json.Unmarshal(frame, &inner); err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		body = []byte(inner)
	}

	var raw struct {
		Action string                 `json:"action"`
		Time   float64                `json:"time"`
		Data   map[string]interface{} `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.Data == nil {
		raw.Data = map[string]interface{}{}
	}
	if !utf8.Valid(body) {
		return Request{}, ErrMalformedFrame
	}
	normalizeStrings(raw.Data)

	return Request{Action: raw.Action, Time: raw.Time, Data: raw.Data}, nil
}

// normalizeStrings rewrites every string value in data to its Unicode
// NFC form in place, so two byte-distinct but canonically equal strings
// (usernames, message text, search words) compare equal downstream.
func normalizeStrings(data map[string]interface{}) {
	for k, v := range data {
		if s, ok := v.(string); ok {
			data[k] = norm.NFC.String(s)
		}
	}
}

// EncodeResponse renders resp in the single documented wire form; unlike
// DecodeRequest, it never double-encodes.
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
