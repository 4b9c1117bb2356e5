package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/fathomlabs/scribeflow/internal/session"
)

const maxBodyBytes = 4 << 20

func (r *Runtime) registerSessionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", r.handleStartSession)
	mux.HandleFunc("POST /v1/session/{id}/resume", r.handleResumeSession)
	mux.HandleFunc("DELETE /v1/session", r.handleEndSession)
	mux.HandleFunc("POST /v1/session/audio", r.handleAudioSegment)
	mux.HandleFunc("POST /v1/session/result", r.handleTranscriptionResult)
	mux.HandleFunc("GET /v1/session/transcript", r.handleTranscript)
	mux.HandleFunc("GET /v1/session/reliability", r.handleReliability)
}

func (r *Runtime) handleStartSession(w http.ResponseWriter, req *http.Request) {
	id, err := r.sessions.StartSession(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (r *Runtime) handleResumeSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.sessions.ResumeSession(req.Context(), id); err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (r *Runtime) handleEndSession(w http.ResponseWriter, req *http.Request) {
	report, err := r.sessions.EndSession(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, report)
}

type audioSegmentRequest struct {
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	PCM       []byte    `json:"pcm"`
}

func (r *Runtime) handleAudioSegment(w http.ResponseWriter, req *http.Request) {
	var body audioSegmentRequest
	if !r.decode(w, req, &body) {
		return
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = time.Now()
	}
	if err := r.sessions.ProcessAudioSegment(body.PCM, body.Timestamp, body.Sequence); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleTranscriptionResult(w http.ResponseWriter, req *http.Request) {
	var body protocol.TranscriptionResult
	if !r.decode(w, req, &body) {
		return
	}
	if err := r.sessions.ProcessTranscriptionResult(body); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	text, err := r.sessions.CompleteTranscript()
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{"transcript": text})
}

func (r *Runtime) handleReliability(w http.ResponseWriter, req *http.Request) {
	report, err := r.sessions.ReliabilityReport()
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, report)
}

func (r *Runtime) decode(w http.ResponseWriter, req *http.Request, into any) bool {
	defer req.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		r.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive):
		status = http.StatusConflict
	}
	r.writeJSON(w, status, map[string]string{"error": err.Error()})
}
