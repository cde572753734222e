package stratum

import "encoding/json"

// Error codes used in mining.submit and other request-response errors.
const (
	ErrOther          = 20
	ErrJobNotFound    = 21
	ErrDuplicateShare = 22
	ErrLowDifficulty  = 23
	ErrUnauthorized   = 24
	ErrNotSubscribed  = 25
)

var errMessages = map[int]string{
	ErrOther:          "Other/Unknown",
	ErrJobNotFound:    "Job not found",
	ErrDuplicateShare: "Duplicate share",
	ErrLowDifficulty:  "Low difficulty share",
	ErrUnauthorized:   "Unauthorized worker",
	ErrNotSubscribed:  "Not subscribed",
}

// request is an incoming Stratum line: {"id":<int>,"method":<str>,"params":[...]}.
type request struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// responseMsg is an outgoing reply: {"id":<int>,"result":<any>,"error":null|[code,message,null]}.
type responseMsg struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// notifyMsg is a server-pushed notification: {"id":null,"method":<str>,"params":[...]}.
type notifyMsg struct {
	ID     any `json:"id"`
	Method string `json:"method"`
	Params any `json:"params"`
}

func okResponse(id any, result any) responseMsg {
	return responseMsg{ID: id, Result: result, Error: nil}
}

func errResponse(id any, code int) responseMsg {
	msg, ok := errMessages[code]
	if !ok {
		msg = "Other/Unknown"
	}
	return responseMsg{ID: id, Result: nil, Error: []any{code, msg, nil}}
}

func notification(method string, params any) notifyMsg {
	return notifyMsg{ID: nil, Method: method, Params: params}
}
