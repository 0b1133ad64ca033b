package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonas/confab/internal/config"
	"github.com/jonas/confab/internal/conference"
	"github.com/jonas/confab/internal/handlers"
	"github.com/jonas/confab/internal/media"
	"github.com/jonas/confab/internal/recording"
	"github.com/jonas/confab/internal/sfu"
	"github.com/jonas/confab/internal/token"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.TokenSecret == "" {
		logger.Fatal("TOKEN_SECRET is required")
	}

	tokens := token.NewService(cfg.TokenSecret)

	workers, err := media.NewPionWorkers(media.PionConfig{
		PublicIP:      cfg.PublicIP,
		UDPMin:        cfg.UDPMin,
		UDPMax:        cfg.UDPMax,
		NumWorkers:    cfg.NumWorkers,
		ICEServerURLs: cfg.ICEServerURLs,
	}, logger)
	if err != nil {
		logger.Fatalf("media workers: %v", err)
	}
	balancer := media.NewRoundRobin(workers)

	var recorder sfu.Recorder
	if cfg.RecordingServiceURL != "" {
		recorder = recording.NewClient(cfg.RecordingServiceURL, cfg.RoomServiceToken, 5*time.Second, logger)
	}

	rooms := sfu.NewServer(cfg, tokens, balancer, recorder, logger)

	var roomService conference.RoomService = conference.NewRoomClient(cfg.RoomServiceURIs, cfg.RoomServiceToken, cfg.RoomInitTimeout)
	var schedules conference.ScheduleSource
	if cfg.ScheduleServiceURL != "" {
		schedules = conference.NewScheduleClient(cfg.ScheduleServiceURL, 5*time.Second)
	}
	conferences := conference.NewServer(cfg, tokens, roomService, schedules, logger)

	ws := handlers.NewWebSocket(cfg, rooms, conferences, logger)
	admin := handlers.NewAdmin(rooms, tokens, logger)

	router := mux.NewRouter()
	router.HandleFunc("/ws/room", ws.HandleRoom)
	router.HandleFunc("/ws/conf", ws.HandleConference)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Mounted last so the websocket and health routes match first.
	admin.Register(router.PathPrefix("/").Subrouter())

	addr := ":" + cfg.Port
	logger.WithField("addr", addr).Info("confab server starting")
	if err := http.ListenAndServe(addr, securityHeadersMiddleware(router)); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(self), microphone=(self), geolocation=()")
		next.ServeHTTP(w, r)
	})
}
