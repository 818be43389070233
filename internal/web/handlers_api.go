package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/protocol"
)

// commandTimeout bounds a command including queueing behind other commands.
const commandTimeout = 30 * time.Second

func (s *Server) deviceCode(w http.ResponseWriter, r *http.Request) (protocol.DeviceCode, bool) {
	code, err := protocol.ParseDeviceCode(r.PathValue("code"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return protocol.DeviceCode{}, false
	}
	return code, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.coord.ListDevices()
	if devices == nil {
		devices = []coordinator.DeviceState{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	code, ok := s.deviceCode(w, r)
	if !ok {
		return
	}
	dev, err := s.coord.Device(code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type addDeviceRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s *Server) handleAPIAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	code, err := protocol.ParseDeviceCode(req.Code)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dev, err := s.coord.AddDevice(code, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	code, ok := s.deviceCode(w, r)
	if !ok {
		return
	}
	var req renameDeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := s.coord.RenameDevice(code, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	code, ok := s.deviceCode(w, r)
	if !ok {
		return
	}
	if err := s.coord.RemoveDevice(code); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// coverHandler adapts a per-device command to an HTTP handler.
func (s *Server) coverHandler(cmd func(Controller, context.Context, protocol.DeviceCode) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, ok := s.deviceCode(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		if err := cmd(s.coord, ctx, code); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type setPositionRequest struct {
	Position *int `json:"position"`
}

func (s *Server) handleAPISetPosition(w http.ResponseWriter, r *http.Request) {
	code, ok := s.deviceCode(w, r)
	if !ok {
		return
	}
	var req setPositionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Position == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "position is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.coord.SetPosition(ctx, code, *req.Position); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "position": *req.Position})
}

func (s *Server) handleAPIStatusAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.coord.RequestStatusAll(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIPairingStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.PairingStatus())
}

type startPairingRequest struct {
	Mode    string `json:"mode"`
	Timeout int    `json:"timeout"` // seconds, 0 = configured default
}

func (s *Server) handleAPIStartPairing(w http.ResponseWriter, r *http.Request) {
	var req startPairingRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = string(coordinator.PairingPair)
	}
	mode, err := coordinator.ParsePairingMode(req.Mode)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Timeout < 0 || req.Timeout > 3600 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("timeout %d out of range 0..3600", req.Timeout),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.coord.StartPairing(ctx, mode, time.Duration(req.Timeout)*time.Second); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.PairingStatus())
}

func (s *Server) handleAPIStopPairing(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.coord.StopPairing(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.PairingStatus())
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Info())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
