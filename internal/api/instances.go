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

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"gpufleet/internal/orchestrator"
	"gpufleet/pkg/fleet"
)

// createInstanceRequest is the POST /instances body. gpuNum and rootfsSize
// are optional; absent or zero values take the documented defaults before
// validation.
type createInstanceRequest struct {
	Name        string     `json:"name" validate:"required,max=100,instancename"`
	ProductName string     `json:"productName" validate:"required,max=200"`
	TemplateID  templateID `json:"templateId" validate:"required"`
	GPUNum      int        `json:"gpuNum" validate:"min=1,max=8"`
	RootfsSize  int        `json:"rootfsSize" validate:"min=20,max=1000"`
	Region      string     `json:"region,omitempty"`
	WebhookURL  string     `json:"webhookUrl,omitempty" validate:"omitempty,url"`
}

const (
	defaultGPUNum     = 1
	defaultRootfsSize = 60
)

// applyDefaults fills the optional sizing fields so validation sees the
// effective request.
func (r *createInstanceRequest) applyDefaults() {
	if r.GPUNum == 0 {
		r.GPUNum = defaultGPUNum
	}
	if r.RootfsSize == 0 {
		r.RootfsSize = defaultRootfsSize
	}
}

// templateID accepts both JSON spellings of a template reference: a string
// id or a positive integer. Anything else decodes to the zero value so the
// failure surfaces as a field-level validation error, not a decode abort.
type templateID string

func (t *templateID) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*t = templateID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil && v > 0 {
			*t = templateID(n.String())
		} else {
			*t = ""
		}
		return nil
	}
	*t = ""
	return nil
}

// fieldMessages renders validator failures as caller-facing messages.
var fieldMessages = map[string]string{
	"required":     "is required",
	"max":          "is too large",
	"min":          "is too small",
	"url":          "must be a valid URL",
	"instancename": "may only contain letters, digits, '-' and '_'",
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fleet.WrapError(fleet.KindValidation, "invalid JSON body", err))
		return
	}

	req.applyDefaults()
	if fields := s.validateRequest(&req); len(fields) > 0 {
		writeValidationError(w, r, fields)
		return
	}

	res, err := s.orch.CreateInstance(r.Context(), orchestrator.CreateRequest{
		Name:        req.Name,
		ProductName: req.ProductName,
		TemplateID:  string(req.TemplateID),
		GPUNum:      req.GPUNum,
		RootfsSize:  req.RootfsSize,
		Region:      req.Region,
		WebhookURL:  req.WebhookURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) validateRequest(req *createInstanceRequest) []fieldError {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []fieldError{{Field: "body", Message: err.Error()}}
	}
	fields := make([]fieldError, 0, len(verrs))
	for _, ve := range verrs {
		msg, ok := fieldMessages[ve.Tag()]
		if !ok {
			msg = "is invalid"
		}
		fields = append(fields, fieldError{Field: jsonField(ve.Field()), Message: msg})
	}
	return fields
}

// jsonField lowers the struct field name to its JSON spelling.
func jsonField(name string) string {
	switch name {
	case "Name":
		return "name"
	case "ProductName":
		return "productName"
	case "TemplateID":
		return "templateId"
	case "GPUNum":
		return "gpuNum"
	case "RootfsSize":
		return "rootfsSize"
	case "Region":
		return "region"
	case "WebhookURL":
		return "webhookUrl"
	}
	return name
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	includeUpstreamOnly := r.URL.Query().Get("includeUpstreamOnly") == "true"
	res, err := s.orch.ListInstances(r.Context(), includeUpstreamOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	row, err := s.orch.GetInstance(r.Context(), chi.URLParam(r, "idOrName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.StartInstance(r.Context(), chi.URLParam(r, "idOrName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.StopInstance(r.Context(), chi.URLParam(r, "idOrName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
