package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Success  bool        `json:"success"`
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages,omitempty"`
}

// WriteResponse will serialize the result as the success envelope
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{
		Success: true,
		Result:  result,
	})
}

// WriteError will serialize the Error with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(envelope{
		Success:  false,
		Result:   e.Result,
		Messages: append([]string{e.Message}, e.Messages...),
	})
}
