package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/traffic"
)

// Event kinds accepted by /api/events.
const (
	EventRequest   = "request"
	EventResponse  = "response"
	EventCompleted = "completed"
)

// Event is one observation posted by the traffic observer.
type Event struct {
	Type    string                  `json:"type"`
	Request *traffic.RequestDetails `json:"request,omitempty"`
	Headers []traffic.Header        `json:"headers,omitempty"`
}

type eventsResponse struct {
	Accepted int `json:"accepted"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(kind protocol.Kind) int {
	switch kind {
	case protocol.KindInvalidRequest, protocol.KindValidation:
		return http.StatusBadRequest
	case protocol.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// handleMessage serves POST /api/message. The body is one protocol request;
// the reply body is the protocol response, including errors.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrorResponse{Error: protocol.MsgInvalidRequest})
		return
	}

	out, pe := s.dispatcher.Handle(r.Context(), raw)
	status := http.StatusOK
	if pe != nil {
		status = statusFor(pe.Kind)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(out)
}

// handleEvents serves POST /api/events. The body is a single event or an
// array of events. Invalid events reject the whole batch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrorResponse{Error: "event batch too large"})
		return
	}

	events, err := decodeEvents(raw)
	if err != nil {
		s.logger.Debug("server: rejecting events", "err", err)
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
		return
	}

	for _, ev := range events {
		switch ev.Type {
		case EventRequest:
			var d traffic.RequestDetails
			if ev.Request != nil {
				d = *ev.Request
			}
			s.events.ObserveRequest(d)
		case EventResponse:
			s.events.ObserveResponse(ev.Headers)
		case EventCompleted:
			s.events.ObserveCompleted()
		}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Accepted: len(events)})
}

func decodeEvents(raw []byte) ([]Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}

	var events []Event
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("invalid event batch: %w", err)
		}
	} else {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("invalid event: %w", err)
		}
		events = []Event{ev}
	}

	for i, ev := range events {
		switch ev.Type {
		case EventRequest, EventResponse, EventCompleted:
		default:
			return nil, fmt.Errorf("event %d: unknown type %q", i, ev.Type)
		}
	}
	return events, nil
}
