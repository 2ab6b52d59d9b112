// Package httpapi wires the coordinator's domain stores to the spec §6
// route table: gorilla/mux routing, one subrouter per audience, a JSON
// envelope on success and the {"error":{code,message}} shape on failure
// (spec §6/§7), grounded on the teacher's internal/handlers closure-over-
// dependency handler style.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/proofwork/coordinator/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps any error to the spec §7 {"error":{code,message,details}}
// envelope and its HTTP status, falling back to 500 via apierr.As.
func writeError(w http.ResponseWriter, err error) {
	ae := apierr.As(err)
	body := map[string]interface{}{
		"code":    ae.Code,
		"message": ae.Message,
	}
	if ae.Details != nil {
		body["details"] = ae.Details
	}
	writeJSON(w, ae.Status, map[string]interface{}{"error": body})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return apierr.Invalid("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.Invalid("malformed request body: %v", err)
	}
	return nil
}
