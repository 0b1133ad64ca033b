package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is loaded once at startup and passed by reference into every
// constructor. Fields are never mutated after Load returns.
type Config struct {
	Port        string
	TokenSecret string

	// Media engine.
	PublicIP     string
	UDPMin       uint16
	UDPMax       uint16
	NumWorkers   int
	ICEServerURLs []string

	// Room defaults.
	MaxPeersPerRoom          int
	MaxRoomDurationMinutes   int
	TimeOutNoParticipantsSecs int
	PeerInactivitySecs       int

	// Conference layer.
	RoomServiceURIs      []string
	RoomServiceToken     string
	RoomInitTimeout      time.Duration
	InviteTimeout        time.Duration
	ReconnectGraceSecs   int
	ScheduleServiceURL   string
	RecordingServiceURL  string

	AllowedOrigins []string
	TrustProxy     bool
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "17223"),
		TokenSecret: getEnv("TOKEN_SECRET", ""),

		PublicIP:      os.Getenv("PUBLIC_IP"),
		UDPMin:        getEnvUint16("UDP_MIN", 40000),
		UDPMax:        getEnvUint16("UDP_MAX", 40100),
		NumWorkers:    getEnvIntBounded("NUM_WORKERS", 4, 1, 64),
		ICEServerURLs: getEnvList("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),

		MaxPeersPerRoom:           getEnvIntBounded("MAX_PEERS_PER_ROOM", 25, 2, 100),
		MaxRoomDurationMinutes:    getEnvIntBounded("MAX_ROOM_DURATION_MIN", 60, 1, 24*60),
		TimeOutNoParticipantsSecs: getEnvIntBounded("NO_PARTICIPANTS_TIMEOUT_SECS", 60, 0, 3600),
		PeerInactivitySecs:        getEnvIntBounded("PEER_INACTIVITY_SECS", 120, 10, 3600),

		RoomServiceURIs:     getEnvList("ROOM_SERVICE_URIS", nil),
		RoomServiceToken:    os.Getenv("ROOM_SERVICE_TOKEN"),
		RoomInitTimeout:     time.Duration(getEnvIntBounded("ROOM_INIT_TIMEOUT_SECS", 5, 1, 60)) * time.Second,
		InviteTimeout:       time.Duration(getEnvIntBounded("INVITE_TIMEOUT_SECS", 10, 1, 300)) * time.Second,
		ReconnectGraceSecs:  getEnvIntBounded("RECONNECT_GRACE_SECS", 30, 0, 600),
		ScheduleServiceURL:  os.Getenv("SCHEDULE_SERVICE_URL"),
		RecordingServiceURL: os.Getenv("RECORDING_SERVICE_URL"),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", nil),
		TrustProxy:     os.Getenv("TRUST_PROXY") == "true",
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvIntBounded(key string, defaultVal, minVal, maxVal int) int {
	n := getEnvInt(key, defaultVal)
	if n < minVal {
		return minVal
	}
	if n > maxVal {
		return maxVal
	}
	return n
}

func getEnvUint16(key string, defaultVal uint16) uint16 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 || n > 65535 {
		return defaultVal
	}
	return uint16(n)
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
