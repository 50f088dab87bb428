package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// DecodeJSONBody decodes a single JSON object from the request body, capped
// at 1 MB, rejecting unknown fields and trailing content.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}
	return nil
}

// SendSuccessResponse writes the success envelope.
func SendSuccessResponse(w http.ResponseWriter, statusCode int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Message: message, Data: data})
}

// SendErrorResponse writes the failure envelope, attaching per-field details
// when the error came from struct validation.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	SendErrorResponseData(w, message, statusCode, validationErr, nil)
}

// SendErrorResponseData is SendErrorResponse with an extra data payload, used
// when the failure carries structured detail (e.g. current balance).
func SendErrorResponseData(w http.ResponseWriter, message string, statusCode int, validationErr error, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIResponse{Success: false, Message: message, Data: data}
	if validationErrs, ok := validationErr.(validator.ValidationErrors); ok {
		resp.Errors = make(map[string]string)
		for _, err := range validationErrs {
			resp.Errors[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(resp)
}
