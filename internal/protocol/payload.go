package protocol

// Relay status code conventions. These follow HTTP spelling but travel
// inside status_response payloads, not HTTP responses.
const (
	StatusOK            = 200
	StatusBadRequest    = 400
	StatusInvalidRoom   = 401
	StatusAlreadyJoined = 409
)

// StatusPayload is the body of a status_response envelope.
type StatusPayload struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// OK reports whether the status indicates success.
func (s StatusPayload) OK() bool {
	return s.StatusCode < 400
}

// Status builds a status_response envelope answering correlation id.
func Status(code string, id int64, statusCode int, message string) Envelope {
	return Envelope{
		Code: code,
		ID:   id,
		Type: KindStatusResponse,
	}.WithPayload(StatusPayload{StatusCode: statusCode, Message: message})
}

// RequestPayload is the body of await_request and emit_request
// envelopes: an opaque control-plane request.
type RequestPayload struct {
	RequestType string         `json:"requestType"`
	RequestData map[string]any `json:"requestData"`
}

// ResponseStatus mirrors the control-plane's request status.
type ResponseStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment"`
}

// ResponsePayload is the body of an await_response envelope: the full
// control-plane result for an awaited request.
type ResponsePayload struct {
	RequestType   string         `json:"requestType"`
	RequestStatus ResponseStatus `json:"requestStatus"`
	ResponseData  map[string]any `json:"responseData"`
}
