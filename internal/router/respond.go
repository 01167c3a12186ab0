package router

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/models"
)

const internalErrorMessage = "Internal server error"

// statusFor maps an error kind to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	message := internalErrorMessage
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrInvalidCredentials):
		return http.StatusBadRequest, message
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, message
	case errors.Is(err, models.ErrUnauthenticated),
		errors.Is(err, models.ErrInvalidToken):
		return http.StatusUnauthorized, message
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, message
	case errors.Is(err, models.ErrUpload),
		errors.Is(err, models.ErrDelete):
		return http.StatusInternalServerError, message
	}

	return http.StatusInternalServerError, internalErrorMessage
}

func (router *Router) respondError(response http.ResponseWriter, request *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Log.Errorw(
			"request failed",
			"request_id", middleware.GetReqID(request.Context()),
			"uri", request.RequestURI,
			"error", err,
		)
	} else {
		logger.Log.Debugw("request rejected", "uri", request.RequestURI, "status", status, "error", err)
	}

	router.respondMessage(response, status, message)
}

func (router *Router) respondMessage(response http.ResponseWriter, status int, message string) {
	router.respondJSON(response, status, models.MessageResponse{Message: message})
}

func (router *Router) respondJSON(response http.ResponseWriter, status int, body interface{}) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)

	if err := json.NewEncoder(response).Encode(body); err != nil {
		logger.Log.Errorw("response encoding failed", "error", err)
	}
}

func decodeJSON(request *http.Request, target interface{}) error {
	if err := json.NewDecoder(request.Body).Decode(target); err != nil {
		return models.WrapError(models.ErrValidation, "Invalid request body", err)
	}

	return nil
}
