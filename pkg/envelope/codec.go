package envelope

import (
	"bytes"
	"encoding/json"
)

var jsonNull = []byte("null")

// Encode serializes an envelope (or error body) to JSON bytes.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeRequest parses a request envelope. An empty or literal null body yields (nil, nil).
func DecodeRequest(data []byte) (*Request, error) {
	if isNull(data) {
		return nil, nil
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeResponse parses a response envelope. An empty or literal null body yields (nil, nil).
func DecodeResponse(data []byte) (*Response, error) {
	if isNull(data) {
		return nil, nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeErrorBody parses a bare {error} rejection body.
func DecodeErrorBody(data []byte) (*ErrorBody, error) {
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

func isNull(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull)
}
