package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gloworm-vision/depthcam/stream"
	"github.com/gloworm-vision/depthcam/viewer"
	"github.com/julienschmidt/httprouter"
)

type streamRequest struct {
	Enabled    bool   `json:"enabled"`
	Resolution string `json:"resolution"`
}

type captureRequest struct {
	Label string `json:"label"`
}

func (s *Server) getDevices(res http.ResponseWriter, req *http.Request) {
	devices, err := s.Viewer.ListDevices()
	if err != nil {
		respond(res, err, http.StatusInternalServerError)
		return
	}

	respond(res, devices, http.StatusOK)
}

func (s *Server) putDevice(res http.ResponseWriter, req *http.Request) {
	var descriptor string
	if err := json.NewDecoder(req.Body).Decode(&descriptor); err != nil {
		respond(res, err, http.StatusUnprocessableEntity)
		return
	}

	s.handle(res, req, viewer.SelectDevice{Descriptor: descriptor})
}

func (s *Server) getSettings(res http.ResponseWriter, req *http.Request) {
	respond(res, s.Viewer.Settings.Snapshot(), http.StatusOK)
}

func (s *Server) putStream(res http.ResponseWriter, req *http.Request) {
	params := httprouter.ParamsFromContext(req.Context())
	kind := params.ByName("kind")

	var body streamRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respond(res, err, http.StatusUnprocessableEntity)
		return
	}

	s.handle(res, req, viewer.ToggleConfig{Kind: kind, Enabled: body.Enabled, Resolution: body.Resolution})
}

func (s *Server) presets(res http.ResponseWriter, req *http.Request) {
	if s.Viewer.Store == nil {
		respond(res, []string{}, http.StatusOK)
		return
	}

	names, err := s.Viewer.Store.ListPresets()
	if err != nil {
		respond(res, err, http.StatusInternalServerError)
		return
	}

	respond(res, names, http.StatusOK)
}

// putPreset saves the current settings under the given name.
func (s *Server) putPreset(res http.ResponseWriter, req *http.Request) {
	params := httprouter.ParamsFromContext(req.Context())
	name := params.ByName("name")

	if err := s.Viewer.SavePreset(name); err != nil {
		respond(res, err, statusFor(err))
		return
	}

	respond(res, nil, http.StatusNoContent)
}

func (s *Server) deletePreset(res http.ResponseWriter, req *http.Request) {
	params := httprouter.ParamsFromContext(req.Context())
	name := params.ByName("name")

	if s.Viewer.Store == nil {
		respond(res, errors.New("no store configured"), http.StatusNotFound)
		return
	}

	if err := s.Viewer.Store.DeletePreset(name); err != nil {
		respond(res, err, statusFor(err))
		return
	}

	respond(res, nil, http.StatusNoContent)
}

func (s *Server) applyPreset(res http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")

	s.handle(res, req, viewer.ApplyPreset{Name: name})
}

func (s *Server) status(res http.ResponseWriter, req *http.Request) {
	respond(res, s.Pipeline.Stats(), http.StatusOK)
}

func (s *Server) intrinsics(res http.ResponseWriter, req *http.Request) {
	in, ok := s.Pipeline.DepthIntrinsics()
	if !ok {
		respond(res, errors.New("no depth intrinsics available"), http.StatusNotFound)
		return
	}

	respond(res, in, http.StatusOK)
}

func (s *Server) capturePhoto(res http.ResponseWriter, req *http.Request) {
	var body captureRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respond(res, err, http.StatusUnprocessableEntity)
		return
	}

	s.handle(res, req, viewer.CapturePhoto{Label: body.Label})
}

func (s *Server) stop(res http.ResponseWriter, req *http.Request) {
	if err := s.Pipeline.Stop(); err != nil {
		respond(res, err, statusFor(err))
		return
	}

	respond(res, s.Pipeline.Stats(), http.StatusOK)
}

// restart restarts the pipeline with the current settings without changing them.
func (s *Server) restart(res http.ResponseWriter, req *http.Request) {
	if err := s.Pipeline.Restart(s.Viewer.Settings.Snapshot()); err != nil {
		respond(res, err, statusFor(err))
		return
	}

	respond(res, s.Pipeline.Stats(), http.StatusOK)
}

func (s *Server) reset(res http.ResponseWriter, req *http.Request) {
	s.handle(res, req, viewer.Reset{})
}

func (s *Server) stream(res http.ResponseWriter, req *http.Request) {
	params := httprouter.ParamsFromContext(req.Context())

	kind, err := stream.ParseKind(params.ByName("kind"))
	if err != nil {
		respond(res, err, http.StatusNotFound)
		return
	}

	s.displays.Stream(kind).ServeHTTP(res, req)
}

func (s *Server) handle(res http.ResponseWriter, req *http.Request, a viewer.Action) {
	out, err := s.Viewer.Handle(req.Context(), a)
	if err != nil {
		respond(res, err, statusFor(err))
		return
	}

	respond(res, out, http.StatusOK)
}
