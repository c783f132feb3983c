package poller

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// DecodePacketData implements spec.md §4.2's ordered attribute-value
// decoding rule, used by the Noble Orbiter and Namada pollers (REDESIGN FLAGS §9):
// packet_data may be raw JSON, a JSON object wrapping a "value" string that
// itself holds JSON, or base64-encoded JSON. Decoders are tried in that
// order; the first that parses wins, except that a raw object whose only
// field is a "value" string holding JSON is unwrapped to that inner object.
// Never panics on malformed input.
func DecodePacketData(raw string) (map[string]interface{}, bool) {
	if decoded, ok := tryRawJSON(raw); ok {
		if len(decoded) == 1 {
			if inner, ok := tryWrappedJSON(raw); ok {
				return inner, true
			}
		}
		return decoded, true
	}
	if decoded, ok := tryWrappedJSON(raw); ok {
		return decoded, true
	}
	if decoded, ok := tryBase64JSON(raw); ok {
		return decoded, true
	}
	return nil, false
}

func tryRawJSON(raw string) (map[string]interface{}, bool) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

func tryWrappedJSON(raw string) (map[string]interface{}, bool) {
	var wrapper struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil || wrapper.Value == "" {
		return nil, false
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(wrapper.Value), &out); err != nil {
		return nil, false
	}
	return out, true
}

func tryBase64JSON(raw string) (map[string]interface{}, bool) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false
	}
	var out map[string]interface{}
	if err := json.Unmarshal(decoded, &out); err != nil {
		return nil, false
	}
	return out, true
}

// StripQuotes removes a single pair of surrounding double-quotes, per
// spec.md §4.2's "attributes may arrive with surrounding double-quotes"
// rule. Used when comparing CCTP attributes.
func StripQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
		return s[1 : len(s)-1]
	}
	return s
}

// PacketDataString reads a string field out of decoded packet_data,
// tolerating both string and numeric JSON representations (amount fields
// sometimes arrive as JSON numbers).
func PacketDataString(data map[string]interface{}, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return trimFloat(t), true
	default:
		return "", false
	}
}

func trimFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
