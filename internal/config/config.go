package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Sinks  []string
	Sink   SinkConfig
	Chzzk  ChzzkConfig
	Images ImageConfig
	HTTP   HTTPConfig
}

type SinkConfig struct {
	SQLite     SQLiteConfig
	BatchSize  int
	FlushMaxMS int
}

type SQLiteConfig struct {
	Path   string
	Tuning bool
}

type ChzzkConfig struct {
	Channel           string
	CookiesFile       string
	Cookies           string
	ChatURL           string
	APIBaseURL        string
	GameAPIBaseURL    string
	EventBuffer       int
	DeliveryTimeoutMS int
	VerboseDrops      bool
}

type ImageConfig struct {
	CacheDir       string
	FetchTimeoutMS int
	Workers        int
}

type HTTPConfig struct {
	Addr string
}

const (
	defaultSQLitePath      = "chat.db"
	defaultBatchSize       = 1
	defaultFlushMS         = 0
	defaultCookiesFile     = "cookies.json"
	defaultChatURL         = "wss://kr-ss1.chat.naver.com/chat"
	defaultAPIBaseURL      = "https://api.chzzk.naver.com"
	defaultGameAPIBaseURL  = "https://comm-api.game.naver.com/nng_main"
	defaultCacheDir        = "cache"
	defaultFetchTimeoutMS  = 5000
	defaultImageWorkers    = 4
	defaultEventBuffer     = 256
	defaultDeliveryTimeout = 2000

	// DotEnvFile is read by Load when present.
	DotEnvFile = ".env"
)

// Load reads the configuration from the environment after merging DotEnvFile.
func Load() Config {
	return LoadFrom(DotEnvFile)
}

// LoadFrom merges the dotenv file at path into the environment, then reads the
// configuration. Variables already set in the environment win over the file.
// A missing file is not an error.
func LoadFrom(path string) Config {
	if err := loadDotEnv(path); err != nil {
		log.Printf("config: ignoring %s: %v", path, err)
	}
	return fromEnv()
}

func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func fromEnv() Config {
	cfg := Config{}

	raw := strings.TrimSpace(os.Getenv("CHZZK_SINKS"))
	if raw == "" {
		raw = "sqlite"
	}
	cfg.Sinks = splitList(raw)

	cfg.Sink.SQLite.Path = readString("CHZZK_SINK_SQLITE_PATH", defaultSQLitePath)
	cfg.Sink.SQLite.Tuning = readBool("CHZZK_SQLITE_TUNING", false)
	cfg.Sink.BatchSize = readInt("CHZZK_SINK_BATCH_SIZE", defaultBatchSize)
	cfg.Sink.FlushMaxMS = readInt("CHZZK_SINK_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Chzzk.Channel = strings.TrimSpace(os.Getenv("CHZZK_CHANNEL"))
	cfg.Chzzk.CookiesFile = readString("CHZZK_COOKIES_FILE", defaultCookiesFile)
	cfg.Chzzk.Cookies = strings.TrimSpace(os.Getenv("CHZZK_COOKIES"))
	cfg.Chzzk.ChatURL = readString("CHZZK_CHAT_URL", defaultChatURL)
	cfg.Chzzk.APIBaseURL = readString("CHZZK_API_BASE_URL", defaultAPIBaseURL)
	cfg.Chzzk.GameAPIBaseURL = readString("CHZZK_GAME_API_BASE_URL", defaultGameAPIBaseURL)
	cfg.Chzzk.EventBuffer = readInt("CHZZK_EVENT_BUFFER", defaultEventBuffer)
	cfg.Chzzk.DeliveryTimeoutMS = readInt("CHZZK_DELIVERY_TIMEOUT_MS", defaultDeliveryTimeout)
	cfg.Chzzk.VerboseDrops = readBool("CHZZK_VERBOSE_DROPS", false)

	cfg.Images.CacheDir = readString("CHZZK_CACHE_DIR", defaultCacheDir)
	cfg.Images.FetchTimeoutMS = readInt("CHZZK_IMAGE_FETCH_TIMEOUT_MS", defaultFetchTimeoutMS)
	cfg.Images.Workers = readInt("CHZZK_IMAGE_WORKERS", defaultImageWorkers)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("CHZZK_HTTP_ADDR"))

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) Summary() Summary {
	return Summary{
		Sinks:      append([]string(nil), c.Sinks...),
		SQLitePath: c.Sink.SQLite.Path,
		BatchSize:  c.Sink.BatchSize,
		FlushMaxMS: c.Sink.FlushMaxMS,
		Chzzk: ChzzkSummary{
			Channel:     c.Chzzk.Channel,
			CookiesFile: c.Chzzk.CookiesFile,
			Cookies:     redactString(c.Chzzk.Cookies),
			ChatURL:     c.Chzzk.ChatURL,
			EventBuffer: c.Chzzk.EventBuffer,
		},
		CacheDir: c.Images.CacheDir,
		HTTPAddr: c.HTTP.Addr,
	}
}

type Summary struct {
	Sinks      []string     `json:"sinks"`
	SQLitePath string       `json:"sqlite_path"`
	BatchSize  int          `json:"batch"`
	FlushMaxMS int          `json:"flush_ms"`
	Chzzk      ChzzkSummary `json:"chzzk"`
	CacheDir   string       `json:"cache_dir"`
	HTTPAddr   string       `json:"http_addr,omitempty"`
}

type ChzzkSummary struct {
	Channel     string `json:"channel,omitempty"`
	CookiesFile string `json:"cookies_file,omitempty"`
	Cookies     string `json:"cookies,omitempty"`
	ChatURL     string `json:"chat_url"`
	EventBuffer int    `json:"event_buffer"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"sinks": append([]string(nil), c.Sinks...),
		"sink": map[string]any{
			"sqlite_path":   c.Sink.SQLite.Path,
			"sqlite_tuning": c.Sink.SQLite.Tuning,
			"batch_size":    c.Sink.BatchSize,
			"flush_ms":      c.Sink.FlushMaxMS,
		},
		"chzzk": map[string]any{
			"channel":             c.Chzzk.Channel,
			"cookies_file":        c.Chzzk.CookiesFile,
			"cookies":             redactString(c.Chzzk.Cookies),
			"chat_url":            c.Chzzk.ChatURL,
			"api_base_url":        c.Chzzk.APIBaseURL,
			"game_api_base_url":   c.Chzzk.GameAPIBaseURL,
			"event_buffer":        c.Chzzk.EventBuffer,
			"delivery_timeout_ms": c.Chzzk.DeliveryTimeoutMS,
			"verbose_drops":       c.Chzzk.VerboseDrops,
		},
		"images": map[string]any{
			"cache_dir":        c.Images.CacheDir,
			"fetch_timeout_ms": c.Images.FetchTimeoutMS,
			"workers":          c.Images.Workers,
		},
		"http": map[string]any{
			"addr": c.HTTP.Addr,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) HasSink(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range c.Sinks {
		if strings.ToLower(strings.TrimSpace(s)) == name {
			return true
		}
	}
	return false
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) DeliveryTimeout() time.Duration {
	if c.Chzzk.DeliveryTimeoutMS <= 0 {
		return defaultDeliveryTimeout * time.Millisecond
	}
	return time.Duration(c.Chzzk.DeliveryTimeoutMS) * time.Millisecond
}

func (c Config) ImageFetchTimeout() time.Duration {
	if c.Images.FetchTimeoutMS <= 0 {
		return defaultFetchTimeoutMS * time.Millisecond
	}
	return time.Duration(c.Images.FetchTimeoutMS) * time.Millisecond
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
