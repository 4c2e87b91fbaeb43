package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"

	"github.com/gorilla/mux"
)

const maxBody = 1 << 20

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type acceptedResponse struct {
	Notifications []*notification.Notification `json:"notifications"`
}

type rescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

type statsResponse struct {
	Analytics *notification.Analytics       `json:"analytics"`
	Delivery  []notification.DeliveryStats `json:"delivery"`
}

func (s *Server) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req notification.NotificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		ns, err := s.dispatch.DispatchAsync(r.Context(), &req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{Notifications: ns})
		return
	}

	res, err := s.dispatch.Dispatch(r.Context(), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePage(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := s.repo.FindMany(r.Context(), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*notification.Notification]{Items: items, Total: total})
}

func (s *Server) GetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// MarkDelivered records a provider delivery receipt.
func (s *Server) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.MarkAsDelivered(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil || req.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_at is required (RFC3339)")
		return
	}
	n, err := s.repo.Reschedule(r.Context(), mux.Vars(r)["id"], req.ScheduledAt.UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since := s.clock.Now().Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
	}

	a, err := s.repo.GetAnalytics(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.repo.GetDeliveryStats(r.Context(), since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Analytics: a, Delivery: d})
}

func parseFilter(q url.Values) (notification.Filter, error) {
	f := notification.Filter{
		Channel:     notification.Channel(q.Get("channel")),
		Status:      notification.Status(q.Get("status")),
		EventType:   notification.EventType(q.Get("event_type")),
		Priority:    notification.Priority(q.Get("priority")),
		MetadataKey: q.Get("metadata_key"),
		MetadataVal: q.Get("metadata_value"),
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return f, fmt.Errorf("unknown channel %q", f.Channel)
	}
	if f.MetadataVal != "" && f.MetadataKey == "" {
		return f, fmt.Errorf("metadata_value needs metadata_key")
	}
	for name, dst := range map[string]*time.Time{"from": &f.CreatedFrom, "to": &f.CreatedTo} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC3339", name)
		}
		*dst = t
	}
	return f, nil
}

func parsePage(q url.Values) (notification.Page, error) {
	p := notification.Page{Limit: 50}
	for name, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return p, nil
}
