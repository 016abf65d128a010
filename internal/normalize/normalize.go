// Package normalize turns raw chat/message objects observed from the site
// into canonical cache records: a guaranteed usable id, HTML-stripped text,
// and attachment lists free of junk entries. Normalization is shallow and
// never merges: the canonical record is the source record plus fixups.
package normalize

import (
	"fmt"
	"time"
)

// Record is a raw or normalized JSON object.
type Record = map[string]any

// ValidID reports whether a record carries a usable primary key: present,
// non-empty, and scalar. Records failing this are dropped at the cache
// boundary.
func ValidID(r Record) bool {
	id, ok := r["id"]
	if !ok || id == nil {
		return false
	}
	switch v := id.(type) {
	case string:
		return v != ""
	case float64, int, int64:
		return true
	default:
		// Objects and arrays are never ids.
		return false
	}
}

// Chat normalizes one raw chat object. The id is resolved through a
// fallback chain preferring the most specific identifier the payload
// offers: id, chat_id, chat.id, withUser.id, user_id, then a synthesized
// placeholder. i distinguishes placeholders within one batch.
func Chat(raw Record, i int) Record {
	out := clone(raw)

	id := scalarID(raw["id"])
	if id == nil {
		id = scalarID(raw["chat_id"])
	}
	if id == nil {
		if nested, ok := raw["chat"].(map[string]any); ok {
			id = scalarID(nested["id"])
		}
	}
	if id == nil {
		if wu, ok := raw["withUser"].(map[string]any); ok {
			id = scalarID(wu["id"])
		}
	}
	if id == nil {
		id = scalarID(raw["user_id"])
	}
	if id == nil {
		id = fmt.Sprintf("chat_%d_%d", time.Now().UnixMilli(), i)
	}
	out["id"] = id

	if _, ok := out["createdAt"]; !ok {
		if v, ok := raw["created_at"]; ok {
			out["createdAt"] = v
		} else {
			out["createdAt"] = time.Now().UTC().Format(time.RFC3339)
		}
	}
	return out
}

// Message normalizes one raw message object: id fallback (id, message_id,
// synthesized), HTML stripped from text, previews/media filtered down to
// object entries.
func Message(raw Record, i int) Record {
	out := clone(raw)

	id := scalarID(raw["id"])
	if id == nil {
		id = scalarID(raw["message_id"])
	}
	if id == nil {
		id = fmt.Sprintf("msg_%d_%d", time.Now().UnixMilli(), i)
	}
	out["id"] = id

	if text, ok := raw["text"].(string); ok {
		out["text"] = StripHTML(text)
	}
	out["previews"] = objectEntries(raw["previews"])
	if _, ok := raw["media"]; ok {
		out["media"] = objectEntries(raw["media"])
	}

	if _, ok := out["createdAt"]; !ok {
		if v, ok := raw["created_at"]; ok {
			out["createdAt"] = v
		} else {
			out["createdAt"] = time.Now().UTC().Format(time.RFC3339)
		}
	}
	return out
}

// Chats normalizes a batch in input order.
func Chats(raw []Record) []Record {
	out := make([]Record, 0, len(raw))
	for i, r := range raw {
		out = append(out, Chat(r, i))
	}
	return out
}

// Messages normalizes a batch in input order.
func Messages(raw []Record) []Record {
	out := make([]Record, 0, len(raw))
	for i, r := range raw {
		out = append(out, Message(r, i))
	}
	return out
}

// scalarID returns v if it is a usable id value, else nil. Empty strings,
// objects and arrays do not count.
func scalarID(v any) any {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return t
	case float64:
		return t
	case int, int64:
		return t
	default:
		return nil
	}
}

// objectEntries keeps only the object-shaped entries of an attachment list.
func objectEntries(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(arr))
	for _, el := range arr {
		if _, ok := el.(map[string]any); ok {
			out = append(out, el)
		}
	}
	return out
}

func clone(r Record) Record {
	out := make(Record, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}
