package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Item is one per-recipient result of a validation job.
type Item struct {
	// Status is the textual status (statusRetornoEnvio).
	Status string `json:"status"`

	// Message is the free-text message (mensagem).
	Message string `json:"message,omitempty"`

	// Code is the numeric status (idStatusRetornoEnvio), nil when absent or
	// not numeric.
	Code *int `json:"code,omitempty"`

	// Recipient is the raw recipient identifier.
	Recipient string `json:"recipient,omitempty"`
}

// Field names of the remote payloads, in lookup priority order.
var (
	tokenKeys     = []string{"token", "access_token", "bearer"}
	jobIDKeys     = []string{"idAcaoEnvio", "idAcao", "id"}
	recipientKeys = []string{"destinatario", "numero", "idMailingEnvio", "id"}
)

func decodeObject(body []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// scalar renders a JSON string or number as text. Other kinds yield "".
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func firstScalar(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s := scalar(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

func tokenFromBody(body []byte) string {
	obj, ok := decodeObject(body)
	if !ok {
		return ""
	}
	return firstScalar(obj, tokenKeys)
}

func tokenFromHeader(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func jobIDFromBody(body []byte) (string, error) {
	obj, ok := decodeObject(body)
	if !ok {
		return "", ErrNoJobID
	}
	id := firstScalar(obj, jobIDKeys)
	if id == "" {
		return "", ErrNoJobID
	}
	return id, nil
}

// decodeItems accepts either a top-level array or an object whose first
// non-empty array member, in document order, holds the items.
func decodeItems(body []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode poll response: %w", err)
		}
	case '{':
		found, err := firstArrayMember(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode poll response: %w", err)
		}
		raw = found
	default:
		// null, scalars: nothing to report yet.
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("decode poll response: invalid JSON")
		}
		return nil, nil
	}

	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		obj, ok := decodeObject(r)
		if !ok {
			continue
		}
		items = append(items, itemFromObject(obj))
	}
	return items, nil
}

// firstArrayMember walks the object's members in order and returns the first
// array value with at least one element.
func firstArrayMember(body []byte) ([]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		v := bytes.TrimSpace(value)
		if len(v) == 0 || v[0] != '[' {
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(v, &arr); err != nil {
			return nil, err
		}
		if len(arr) > 0 {
			return arr, nil
		}
	}
	return nil, nil
}

func itemFromObject(obj map[string]any) Item {
	it := Item{
		Status:    scalar(obj["statusRetornoEnvio"]),
		Message:   scalar(obj["mensagem"]),
		Recipient: firstScalar(obj, recipientKeys),
	}
	if s := scalar(obj["idStatusRetornoEnvio"]); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			it.Code = &n
		} else if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
			n := int(f)
			it.Code = &n
		}
	}
	return it
}
