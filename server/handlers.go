package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/glimte/qrelay"
	"github.com/glimte/qrelay/contracts"
	"github.com/glimte/qrelay/interceptors"
	"github.com/glimte/qrelay/messaging"
)

const maxPayloadBytes = 1 << 20

var errNotObject = errors.New("request body must be a JSON object")

type page struct {
	Title string
	Name  string
	Queue string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "index.html", page{Title: "qrelay", Queue: s.client.Queue()})
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	icon, err := staticFS.ReadFile("static/favicon.ico")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/vnd.microsoft.icon")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(icon)
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	name := r.PostFormValue("name")
	if name == "" {
		s.logger.Debug("hello requested without a name, redirecting")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	s.render(w, r, "hello.html", page{Title: "Hello " + name, Name: name})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	payload, status, err := readObject(w, r)
	if err != nil {
		s.writeError(w, r, status, err)
		return
	}

	// The queue operation outlives a caller that disconnects
	ctx := context.WithoutCancel(r.Context())
	if err := s.client.Enqueue(ctx, payload); err != nil {
		if errors.Is(err, qrelay.ErrInvalidPayload) {
			s.writeError(w, r, http.StatusUnprocessableEntity, err)
			return
		}
		s.logQueueError(r, "enqueue failed", err)
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, contracts.NewMessageResponse(contracts.MessageEnqueued))
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	result, err := s.client.Dequeue(ctx, s.receiveWait)
	if err != nil {
		s.logQueueError(r, "dequeue failed", err)
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if !result.Found {
		s.writeJSON(w, http.StatusOK, contracts.NewMessageResponse(contracts.MessageQueueEmpty))
		return
	}
	s.writeJSON(w, http.StatusOK, contracts.NewMessageResponse(result.Content))
}

func (s *Server) handleEnv(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, contracts.EnvResponse{
		ConnectionString: messaging.RedactConnectionString(s.cfg.ConnectionString),
		QueueName:        s.cfg.QueueName,
	})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	payload, status, err := readObject(w, r)
	if err != nil {
		s.writeError(w, r, status, err)
		return
	}

	s.writeJSON(w, http.StatusOK, contracts.EchoResponse{
		Message: contracts.MessagePostReceived,
		Data:    payload,
	})
}

// readObject reads a JSON object body. The returned status is the response
// code to use when err is not nil.
func readObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, err
		}
		return nil, http.StatusBadRequest, fmt.Errorf("read request body: %w", err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, http.StatusUnprocessableEntity, errNotObject
	}
	return json.RawMessage(trimmed), 0, nil
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data page) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("failed to render page", "template", name, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.writeJSON(w, status, contracts.NewErrorResponse(err))
}

func (s *Server) logQueueError(r *http.Request, msg string, err error) {
	s.logger.ErrorContext(r.Context(), msg,
		"requestId", interceptors.RequestIDFromContext(r.Context()),
		"transport", s.client.Transport().Name(),
		"queue", s.client.Queue(),
		"kind", messaging.KindOf(err).String(),
		"error", err,
	)
}
