package statusapi

import (
	"encoding/json"
	"net/http"
)

// response is the status API's uniform JSON envelope, grounded on the pack's
// api.Response success/error shape (luxfi-consensus/api/response.go), adapted to
// this read-only surface's needs.
type response struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, response{Success: false, Error: &apiError{Code: status, Message: err.Error()}})
}

func writeSuccess(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, response{Success: true, Result: result})
}
