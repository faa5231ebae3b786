package wa

import "strings"

// SendMessageRequest is the body of POST /send-message/{instanceId}
type SendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// SendImageRequest is the body of POST /send-image/{instanceId}
type SendImageRequest struct {
	Number  string `json:"number"`
	File    string `json:"file"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the error body returned by the send backend.
// Different backend versions use either field.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Text returns whichever error field is set
func (e ErrorResponse) Text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// InstanceStatus is the connection state of an instance
type InstanceStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Phone  string `json:"phone,omitempty"`
}

// Connected reports whether the instance can send
func (s *InstanceStatus) Connected() bool {
	switch strings.ToLower(s.Status) {
	case "connected", "open", "online", "authenticated":
		return true
	}
	return false
}
