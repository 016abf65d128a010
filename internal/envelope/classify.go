package envelope

import "encoding/json"

// Kind is the closed set of shapes an inbound envelope can classify into.
// Anything that fails every classifier becomes KindUnrecognized, which
// consumers log and drop, never a runtime type error.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindChatList          // fetch_response body carrying a chats array
	KindMessageHistory    // fetch_response body carrying a messages array
	KindOutboundSend      // fetch_request body carrying an outbound text
	KindInboundPush       // ws_message carrying a single pushed record
	KindPresence          // ws_message carrying an online-users array
	KindUserID            // set_user_id identity detection
)

func (k Kind) String() string {
	switch k {
	case KindChatList:
		return "chat_list"
	case KindMessageHistory:
		return "message_history"
	case KindOutboundSend:
		return "outbound_send"
	case KindInboundPush:
		return "inbound_push"
	case KindPresence:
		return "presence"
	case KindUserID:
		return "user_id"
	default:
		return "unrecognized"
	}
}

// Classified is the result of classifying one envelope.
type Classified struct {
	Kind     Kind
	Chats    []map[string]any // KindChatList
	Messages []map[string]any // KindMessageHistory
	Record   map[string]any   // KindOutboundSend, KindInboundPush
	Online   []int64          // KindPresence
	UserID   string           // KindUserID
}

// Classify maps a raw envelope onto one of the known kinds. Body parsing is
// forgiving: an unparsable body or a body without a recognized array is
// simply unrecognized, not an error.
func Classify(e Envelope) Classified {
	switch e.Event {
	case EventSetUserID:
		return Classified{Kind: KindUserID, UserID: e.UserID}

	case EventFetchResponse:
		var body struct {
			Chats    []map[string]any `json:"chats"`
			List     []map[string]any `json:"list"`
			Messages []map[string]any `json:"messages"`
		}
		if err := json.Unmarshal([]byte(e.Body), &body); err != nil {
			return Classified{Kind: KindUnrecognized}
		}
		chats := body.Chats
		if chats == nil {
			chats = body.List
		}
		// A combined payload keeps both slices; nothing is dropped.
		if len(chats) > 0 {
			return Classified{Kind: KindChatList, Chats: chats, Messages: body.Messages}
		}
		if len(body.Messages) > 0 {
			return Classified{Kind: KindMessageHistory, Messages: body.Messages}
		}
		return Classified{Kind: KindUnrecognized}

	case EventFetchRequest:
		var body map[string]any
		if err := json.Unmarshal([]byte(e.Body), &body); err != nil {
			return Classified{Kind: KindUnrecognized}
		}
		if text, ok := body["text"].(string); ok && text != "" {
			return Classified{Kind: KindOutboundSend, Record: body}
		}
		return Classified{Kind: KindUnrecognized}

	case EventWSMessage:
		if e.Data == nil {
			return Classified{Kind: KindUnrecognized}
		}
		if online, ok := intSlice(e.Data["online"]); ok {
			return Classified{Kind: KindPresence, Online: online}
		}
		return Classified{Kind: KindInboundPush, Record: e.Data}
	}

	return Classified{Kind: KindUnrecognized}
}

// intSlice converts a decoded JSON array to int64s. Every element must be a
// whole number; anything else disqualifies the whole array, matching the
// presence-frame contract.
func intSlice(v any) ([]int64, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	out := make([]int64, 0, len(arr))
	for _, el := range arr {
		f, ok := el.(float64)
		if !ok || f != float64(int64(f)) {
			return nil, false
		}
		out = append(out, int64(f))
	}
	return out, true
}
