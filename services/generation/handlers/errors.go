// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// internalErrorMessage is the only text a 500 response carries.
const internalErrorMessage = "internal server error"

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error         string `json:"error"`
	CurrentStatus string `json:"current_status,omitempty"`
}

// respondError maps err to a status code and writes the response.
//
// Validation, not-found and conflict messages are returned as is. Anything
// else is logged with the request path and answered with a fixed message.
func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if !apperrors.IsUserFacing(err) {
		slog.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: internalErrorMessage})
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var conflict *apperrors.ConflictError
	if errors.As(err, &conflict) {
		resp.CurrentStatus = conflict.Current
	}
	c.AbortWithStatusJSON(status, resp)
}

// asValidationError turns a body binding or validator failure into a
// ValidationError naming the offending fields.
func asValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		problems := make([]*apperrors.ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			problems = append(problems, apperrors.NewValidationError(
				fe.Field(), describeTag(fe.Tag())))
		}
		if len(problems) == 1 {
			return problems[0]
		}
		fields := make([]string, 0, len(problems))
		for _, p := range problems {
			fields = append(fields, p.Field)
		}
		return apperrors.NewValidationError(strings.Join(fields, ", "), "are invalid")
	}
	return apperrors.NewValidationError("body", "is not valid JSON: "+err.Error())
}

func describeTag(tag string) string {
	switch tag {
	case "required", "min":
		return "is required"
	case "sweepthreshold":
		return "must be a duration of at least 1m"
	case "boundedinputs":
		return "has too many fields or an oversized value"
	case "max":
		return "is too long"
	default:
		return "is invalid (" + tag + ")"
	}
}
