package api

import (
	"context"
	"net/http"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"
	"github.com/NordCoder/Herald/internal/services/inapp"
	"github.com/NordCoder/Herald/internal/services/webhook"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req *notification.NotificationRequest) (*notification.DispatchResult, error)
	DispatchAsync(ctx context.Context, req *notification.NotificationRequest) ([]*notification.Notification, error)
}

type Deps struct {
	Repo          notification.Repository
	Dispatch      Dispatcher
	Webhooks      *webhook.Service
	InboundSecret string
	Mailbox       *inapp.Mailbox
	WS            *inapp.WSHandler
	Clock         notification.Clock
	Log           *zap.Logger
}

type Server struct {
	repo     notification.Repository
	dispatch Dispatcher
	webhooks *webhook.Service
	inbound  string
	mailbox  *inapp.Mailbox
	ws       *inapp.WSHandler
	clock    notification.Clock
	log      *zap.Logger
}

func NewServer(d Deps) *Server {
	clock := d.Clock
	if clock == nil {
		clock = notification.SystemClock{}
	}
	return &Server{
		repo:     d.Repo,
		dispatch: d.Dispatch,
		webhooks: d.Webhooks,
		inbound:  d.InboundSecret,
		mailbox:  d.Mailbox,
		ws:       d.WS,
		clock:    clock,
		log:      obs.Component(d.Log, "api"),
	}
}

// Routes builds the router. Optional collaborators that are nil leave their
// routes unregistered.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/notifications", s.CreateNotification).Methods(http.MethodPost)
	v1.HandleFunc("/notifications", s.ListNotifications).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/{id}", s.GetNotification).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/{id}/delivered", s.MarkDelivered).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/{id}/reschedule", s.Reschedule).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.Stats).Methods(http.MethodGet)

	if s.webhooks != nil {
		v1.HandleFunc("/webhooks/health", s.WebhookHealth).Methods(http.MethodPost)
	}
	if s.inbound != "" {
		v1.Handle("/webhooks/inbound", webhook.VerifyMiddleware(s.inbound)(http.HandlerFunc(s.InboundWebhook))).
			Methods(http.MethodPost)
	}

	if s.mailbox != nil {
		v1.HandleFunc("/users/{user}/inbox", s.Inbox).Methods(http.MethodGet)
		v1.HandleFunc("/users/{user}/inbox/unread", s.UnreadCount).Methods(http.MethodGet)
		v1.HandleFunc("/users/{user}/inbox/read-all", s.ReadAll).Methods(http.MethodPost)
		v1.HandleFunc("/users/{user}/inbox/{id}/read", s.MarkRead).Methods(http.MethodPost)
		v1.HandleFunc("/users/{user}/inbox/{id}/dismiss", s.Dismiss).Methods(http.MethodPost)
	}
	if s.ws != nil {
		v1.HandleFunc("/users/{user}/inbox/ws", func(w http.ResponseWriter, r *http.Request) {
			s.ws.Serve(w, r, mux.Vars(r)["user"])
		}).Methods(http.MethodGet)
	}
	return r
}
