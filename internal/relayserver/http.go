package relayserver

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rs/cors"
)

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	s.router.HandleFunc("/ws/logs", s.logs.HandleWebSocket).Methods("GET")
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/stats", s.statsHandler).Methods("GET")
	s.router.HandleFunc("/control", s.controlHandler).Methods("POST")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/students", s.studentsHandler).Methods("GET")
}

// handler 包装CORS
func (s *Server) handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "stopping"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.GetStats())
}

// studentResponse /api/students 中的一项
type studentResponse struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId"`
	JoinedAt     int64  `json:"joinedAt"`
}

func (s *Server) studentsHandler(w http.ResponseWriter, r *http.Request) {
	students := s.registry.Students()
	out := make([]studentResponse, 0, len(students))
	for _, st := range students {
		out = append(out, studentResponse{
			UserID:       st.UserID,
			Name:         st.Name,
			ConnectionID: st.ConnectionID,
			JoinedAt:     st.JoinedAt.UnixMilli(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// controlHandler 处理控制命令
func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "disconnect_all":
		s.ForceDisconnectAll()
		fmt.Fprintf(w, "Disconnected all connections")
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
