package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"quadchat/internal/api"
	"quadchat/internal/auth"
	"quadchat/internal/broker"
	"quadchat/internal/push"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.Service, hub *broker.Hub, storage api.Storage, notifier *push.Notifier, addr string) *APIServer {
	wsServer := broker.NewServer(authService, hub)
	apiHandlers := api.New(authService, hub, storage, notifier)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/session", apiHandlers.SessionHandler)
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("GET /api/messages/{peerId}", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/send", apiHandlers.RequireAuth(apiHandlers.SendHandler))
	mux.HandleFunc("PATCH /api/read/{peerId}", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))
	mux.HandleFunc("GET /api/unread-count", apiHandlers.RequireAuth(apiHandlers.UnreadCountHandler))
	mux.HandleFunc("POST /api/push-subscription", apiHandlers.RequireAuth(apiHandlers.PushSubscriptionHandler))

	// Live transport endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
