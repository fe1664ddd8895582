package cync

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/cync-core/internal/device"
)

// CommandRequest is a control request for one connected device.
// A nil field is not part of the request; an explicit zero is.
type CommandRequest struct {
	// Status switches the light on (true) or off (false).
	Status *bool `json:"status,omitempty"`

	// Brightness, Temperature and Color set the light output.
	Brightness  *uint8        `json:"brightness,omitempty"`
	Temperature *uint8        `json:"temperature,omitempty"`
	Color       *device.Color `json:"color,omitempty"`

	// Info asks the device to report its current state.
	Info bool `json:"info,omitempty"`

	// Custom is written to the device as a single unframed byte.
	Custom *uint8 `json:"custom,omitempty"`

	// DeviceID selects the logical light on a multiplexed connection.
	// When nil the last reported deviceId is used, or 0.
	DeviceID *uint8 `json:"id,omitempty"`
}

// IsEmpty reports whether the request asks for nothing.
func (r CommandRequest) IsEmpty() bool {
	return r.Status == nil && r.Brightness == nil && r.Temperature == nil &&
		r.Color == nil && !r.Info && r.Custom == nil
}

// wireRequest is the loosely typed JSON body callers send. Numbers may
// arrive as JSON numbers or numeric strings.
type wireRequest struct {
	Status      json.RawMessage `json:"status"`
	Brightness  json.RawMessage `json:"brightness"`
	Temperature json.RawMessage `json:"temperature"`
	Color       *struct {
		R json.RawMessage `json:"r"`
		G json.RawMessage `json:"g"`
		B json.RawMessage `json:"b"`
	} `json:"color"`
	Info   json.RawMessage `json:"info"`
	Custom json.RawMessage `json:"custom"`
	ID     json.RawMessage `json:"id"`
}

// ParseCommandRequest decodes a JSON control request.
//
// Accepted forms:
//   - status: "on", "off", 1, 0, "1", "0", true, false (anything else is ignored)
//   - brightness, temperature, custom, id, color.r/g/b: number or numeric string,
//     truncated to a byte
//   - info: any truthy value
//
// Returns:
//   - CommandRequest: The normalised request
//   - error: If the body is not a JSON object or a numeric field is not a number
func ParseCommandRequest(data []byte) (CommandRequest, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return CommandRequest{}, fmt.Errorf("decoding command request: %w", err)
	}

	var (
		req CommandRequest
		err error
	)
	req.Status = parseStatus(w.Status)

	if req.Brightness, err = parseByte("brightness", w.Brightness); err != nil {
		return CommandRequest{}, err
	}
	if req.Temperature, err = parseByte("temperature", w.Temperature); err != nil {
		return CommandRequest{}, err
	}
	if req.Custom, err = parseByte("custom", w.Custom); err != nil {
		return CommandRequest{}, err
	}
	if req.DeviceID, err = parseByte("id", w.ID); err != nil {
		return CommandRequest{}, err
	}

	if w.Color != nil {
		var c device.Color
		for _, ch := range []struct {
			name string
			raw  json.RawMessage
			dst  *uint8
		}{{"color.r", w.Color.R, &c.R}, {"color.g", w.Color.G, &c.G}, {"color.b", w.Color.B, &c.B}} {
			v, err := parseByte(ch.name, ch.raw)
			if err != nil {
				return CommandRequest{}, err
			}
			if v != nil {
				*ch.dst = *v
			}
		}
		req.Color = &c
	}

	req.Info = parseTruthy(w.Info)
	return req, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseNumber reads a JSON number or a numeric string.
func parseNumber(raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseByte returns nil for an absent field and truncates numbers to their
// low byte, the way the vendor frames store them.
func parseByte(name string, raw json.RawMessage) (*uint8, error) {
	if isAbsent(raw) {
		return nil, nil //nolint:nilnil // absent field
	}
	n, ok := parseNumber(raw)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, fmt.Errorf("%s: %s is not a number", name, string(raw))
	}
	b := uint8(int64(n) & 0xff) //nolint:gosec // truncation is the point
	return &b, nil
}

func parseStatus(raw json.RawMessage) *bool {
	if isAbsent(raw) {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "on", "1":
			return device.Bool(true)
		case "off", "0":
			return device.Bool(false)
		}
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		switch n {
		case 1:
			return device.Bool(true)
		case 0:
			return device.Bool(false)
		}
	}
	return nil
}

func parseTruthy(raw json.RawMessage) bool {
	if isAbsent(raw) {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		return s != "" && s != "0" && s != "false"
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	return true
}
