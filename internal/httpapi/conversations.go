package httpapi

import (
	"net/http"

	"github.com/schoolhub/messaging/internal/messaging"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.svc.ListConversations(r.Context(), caller(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) getOrCreateDirect(w http.ResponseWriter, r *http.Request) {
	var in messaging.DirectInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	v, created, err := s.svc.GetOrCreateDirect(r.Context(), caller(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, v)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var in messaging.GroupInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.svc.CreateGroup(r.Context(), caller(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func pageInput(r *http.Request) (messaging.PageInput, error) {
	perPage, err := queryInt(r, "per_page")
	if err != nil {
		return messaging.PageInput{}, err
	}
	q := r.URL.Query()
	return messaging.PageInput{PerPage: perPage, Cursor: q.Get("cursor"), Direction: q.Get("direction")}, nil
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in, err := pageInput(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.svc.GetConversation(r.Context(), caller(r), id, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in, err := pageInput(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.svc.ListMessages(r.Context(), caller(r), id, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in messaging.SendInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.svc.SendMessage(r.Context(), caller(r), id, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) addParticipants(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in messaging.ParticipantsInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	added, err := s.svc.AddParticipants(r.Context(), caller(r), id, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in messaging.RemoveInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	removed, err := s.svc.RemoveParticipant(r.Context(), caller(r), id, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) react(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in messaging.ReactInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	rx, err := s.svc.React(r.Context(), caller(r), id, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}
