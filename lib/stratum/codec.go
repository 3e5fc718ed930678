package stratum

import (
	"bytes"
	"encoding/json"

	"github.com/samber/oops"
)

// Request is one parsed JSON-RPC request line. The id keeps its raw JSON
// form because stratum clients send both numeric and string ids.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IDString renders the request id for log correlation.
func (r *Request) IDString() string {
	if len(r.ID) == 0 {
		return ""
	}
	return string(bytes.TrimSpace(r.ID))
}

// RequestCodec turns one framed chunk into a request. A (nil, nil) return
// means the chunk carried nothing dispatchable (blank keepalive line); a
// decode failure must wrap ErrMalformedPayload so the banning policy can
// tell junk apart from every other error class.
type RequestCodec interface {
	Decode(chunk []byte) (*Request, error)
}

// LineJSONCodec decodes newline-framed JSON-RPC request objects, the classic
// stratum wire format.
type LineJSONCodec struct{}

func (LineJSONCodec) Decode(chunk []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(chunk)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, oops.Wrapf(ErrMalformedPayload, "decode request line: %s", err.Error())
	}
	if req.Method == "" {
		return nil, oops.Wrapf(ErrMalformedPayload, "request line missing method")
	}
	return &req, nil
}
