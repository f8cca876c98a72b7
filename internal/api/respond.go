// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"gpufleet/pkg/fleet"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Code             string       `json:"code"`
	Message          string       `json:"message"`
	Timestamp        time.Time    `json:"timestamp"`
	RequestID        string       `json:"requestId,omitempty"`
	ValidationErrors []fieldError `json:"validationErrors,omitempty"`
}

// fieldError is one rejected input field.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses and the uniform
// envelope. Unclassified errors become 500s without leaking internals.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := string(fleet.KindInternal)
	message := "internal error"

	var fe *fleet.Error
	if errors.As(err, &fe) {
		status = fe.HTTPStatus()
		code = string(fe.Kind)
		message = fe.Message
	}
	writeJSON(w, status, errorBody{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeValidationError reports every rejected field at once.
func writeValidationError(w http.ResponseWriter, r *http.Request, fields []fieldError) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Code:             string(fleet.KindValidation),
		Message:          "request validation failed",
		Timestamp:        time.Now().UTC(),
		RequestID:        middleware.GetReqID(r.Context()),
		ValidationErrors: fields,
	})
}
