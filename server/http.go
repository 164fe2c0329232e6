package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gloworm-vision/depthcam/capture"
	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/store"
	"github.com/gloworm-vision/depthcam/stream"
)

type errorResponse struct {
	Error string `json:"error"`
}

// respond encodes the data and ResponseError to JSON and responds with it and
// the http code. If the encoding fails, sets an InternalServerError.
func respond(w http.ResponseWriter, data interface{}, httpCode int) {
	var resp interface{}
	if v, ok := data.(error); ok {
		resp = errorResponse{Error: v.Error()}
	} else {
		resp = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)

	if resp != nil {
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrInvalidStreamKind),
		errors.Is(err, stream.ErrInvalidResolution),
		errors.Is(err, capture.ErrInvalidLabel),
		errors.Is(err, store.ErrInvalidPresetName):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrNoDeviceSelected),
		errors.Is(err, pipeline.ErrNoStreamEnabled):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNativeStart{}),
		errors.Is(err, pipeline.ErrNativeStop{}):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
