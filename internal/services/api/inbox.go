package api

import (
	"net/http"
	"strconv"

	"github.com/NordCoder/Herald/internal/services/inapp"

	"github.com/gorilla/mux"
)

func (s *Server) Inbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := inapp.Query{Offset: page.Offset, Limit: page.Limit, Category: q.Get("category")}
	if v := q.Get("read"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read must be true or false")
			return
		}
		query.Read = &b
	}
	items, total := s.mailbox.GetNotifications(mux.Vars(r)["user"], query)
	writeJSON(w, http.StatusOK, listResponse[inapp.Entry]{Items: items, Total: total})
}

func (s *Server) UnreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"unread": s.mailbox.GetUnreadCount(mux.Vars(r)["user"])})
}

func (s *Server) ReadAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"updated": s.mailbox.MarkAllAsRead(mux.Vars(r)["user"])})
}

func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.mailbox.MarkAsRead(vars["user"], vars["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) Dismiss(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.mailbox.Dismiss(vars["user"], vars["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
