package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Route names the relay endpoints that carry their own profile.
type Route string

const (
	RouteChat   Route = "chat"
	RouteBlog   Route = "blog"
	RouteSchool Route = "school"
	RouteAvatar Route = "avatar"
)

// Routes lists every profiled route in registration order.
var Routes = []Route{RouteChat, RouteBlog, RouteSchool, RouteAvatar}

var defaultModels = map[Route]string{
	RouteChat:   "gpt-4o",
	RouteBlog:   "gpt-4o-mini",
	RouteSchool: "gpt-4o",
	RouteAvatar: "gpt-4o",
}

// Profile is the upstream selection for a single route.
type Profile struct {
	Route           Route
	APIKey          string
	Model           string
	AssistantID     string
	SystemPrompt    string
	DropSystemTurns bool
}

type Config struct {
	Port            string
	LogLevel        string
	OpenAIKey       string
	OpenAIBaseURL   string
	AssistantID     string
	Profiles        map[Route]Profile
	RunPollInterval time.Duration
	RunTimeout      time.Duration
	RunMaxPolls     int
	UpstreamTimeout time.Duration
	ApologyText     string
	TTSModel        string
	TTSVoice        string
	TTSFormat       string
	RateLimitPerMin int
	TrustedProxies  []string

	TelegramToken          string
	TelegramAllowedUserIDs []int64
}

// Load reads path as a .env file (existing variables win) and then the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil {
		log.Printf("could not read %s: %v", path, err)
	}

	cfg := Config{
		Port:            getenvDefault("PORT", "3000"),
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
		OpenAIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:   strings.TrimSuffix(getenvDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		AssistantID:     strings.TrimSpace(os.Getenv("OPENAI_ASSISTANT_ID")),
		RunPollInterval: time.Duration(getenvIntDefault("RUN_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		RunTimeout:      time.Duration(getenvIntDefault("RUN_TIMEOUT_SECONDS", 60)) * time.Second,
		RunMaxPolls:     getenvIntDefault("RUN_MAX_POLLS", 120),
		UpstreamTimeout: time.Duration(getenvIntDefault("UPSTREAM_TIMEOUT_SECONDS", 120)) * time.Second,
		ApologyText:     getenvDefault("APOLOGY_TEXT", "Sorry, I could not come up with an answer right now."),
		TTSModel:        getenvDefault("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
		TTSVoice:        getenvDefault("OPENAI_TTS_VOICE", "alloy"),
		TTSFormat:       getenvDefault("OPENAI_TTS_FORMAT", "mp3"),
		RateLimitPerMin: getenvIntDefault("RATE_LIMIT_PER_MINUTE", 60),
		TrustedProxies:  splitList(os.Getenv("TRUSTED_PROXIES")),

		TelegramToken:          strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		TelegramAllowedUserIDs: parseIDs(os.Getenv("TELEGRAM_ALLOWED_USER_IDS")),
	}

	dropSystem := getenvBoolDefault("ASSISTANT_DROP_SYSTEM", true)
	cfg.Profiles = make(map[Route]Profile, len(Routes))
	for _, r := range Routes {
		prefix := strings.ToUpper(string(r)) + "_"
		cfg.Profiles[r] = Profile{
			Route:           r,
			APIKey:          getenvDefault(prefix+"OPENAI_API_KEY", cfg.OpenAIKey),
			Model:           getenvDefault(prefix+"MODEL", defaultModels[r]),
			AssistantID:     getenvDefault(prefix+"ASSISTANT_ID", cfg.AssistantID),
			SystemPrompt:    os.Getenv(prefix + "SYSTEM_PROMPT"),
			DropSystemTurns: getenvBoolDefault(prefix+"ASSISTANT_DROP_SYSTEM", dropSystem),
		}
	}

	if cfg.OpenAIKey == "" {
		log.Printf("OPENAI_API_KEY is not set, routes without their own key will answer 500")
	}

	return cfg, nil
}

// Profile returns the profile for r, falling back to the chat profile.
func (c Config) Profile(r Route) Profile {
	if p, ok := c.Profiles[r]; ok {
		return p
	}
	p := c.Profiles[RouteChat]
	p.Route = r
	return p
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid int for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("invalid bool for %s=%q, using default %t", key, v, def)
		return def
	}
	return b
}

// parseIDs reads a comma separated list, skipping entries that are not integers.
func parseIDs(raw string) []int64 {
	var ids []int64
	for _, part := range splitList(raw) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("skipping invalid telegram user id %q", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
