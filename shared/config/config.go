package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	PersistRetryMax  int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	RoutingURL              string
	RoutingTimeoutMS        int
	RoutingRetryMax         int
	RoutingBreakerThreshold int
	RoutingBreakerResetSec  int
	RouteCacheTTLSec        int
	RouteCacheMaxEntries    int
	RouteFallbackTTLSec     int
	RouteLookupTimeoutMS    int
	RouteFanout             int
	FacilityCacheTTLSec     int

	QueueBaselineMin int
	QueueRefreshSec  int
	QueueLockTTLMS   int
	RosterRefreshSec int

	NotifyBuffer        int
	NotifySweepSec      int
	NotifyAckTimeoutSec int
	NotifySink          string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindCSV
)

type binding struct {
	key  string
	kind fieldKind
	ptr  any
}

func (c *Config) bindings() []binding {
	return []binding{
		{"ENV", kindString, &c.Env},
		{"SERVICE_NAME", kindString, &c.ServiceName},
		{"HTTP_PORT", kindInt, &c.HTTPPort},
		{"LOG_LEVEL", kindString, &c.LogLevel},
		{"REQUEST_TIMEOUT_MS", kindInt, &c.RequestTimeoutMS},
		{"DATABASE_URL", kindString, &c.DatabaseURL},
		{"DB_MAX_CONNS", kindInt, &c.DBMaxConns},
		{"DB_MIN_CONNS", kindInt, &c.DBMinConns},
		{"DB_CONN_MAX_IDLE_SECONDS", kindInt, &c.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", kindInt, &c.DBConnMaxLifeSec},
		{"PERSIST_RETRY_MAX", kindInt, &c.PersistRetryMax},
		{"KAFKA_BROKERS", kindCSV, &c.KafkaBrokers},
		{"KAFKA_CLIENT_ID", kindString, &c.KafkaClientID},
		{"KAFKA_CONSUMER_GROUP", kindString, &c.KafkaGroupID},
		{"KAFKA_RETRY_MAX", kindInt, &c.KafkaRetryMax},
		{"KAFKA_WRITE_TIMEOUT_MS", kindInt, &c.KafkaWriteMS},
		{"REDIS_ADDR", kindString, &c.RedisAddr},
		{"REDIS_PASSWORD", kindSecret, &c.RedisPassword},
		{"REDIS_DB", kindInt, &c.RedisDB},
		{"ASYNQ_REDIS_ADDR", kindString, &c.AsynqRedisAddr},
		{"ASYNQ_REDIS_PASSWORD", kindSecret, &c.AsynqRedisPass},
		{"ASYNQ_REDIS_DB", kindInt, &c.AsynqRedisDB},
		{"ASYNQ_QUEUE", kindString, &c.AsynqQueue},
		{"ASYNQ_CONCURRENCY", kindInt, &c.AsynqConcurrency},
		{"OUTBOX_SCAN_INTERVAL_SECONDS", kindInt, &c.OutboxScanSec},
		{"OUTBOX_BATCH_SIZE", kindInt, &c.OutboxBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", kindInt, &c.OutboxMaxAttempts},
		{"INFLUX_URL", kindString, &c.InfluxURL},
		{"INFLUX_TOKEN", kindSecret, &c.InfluxToken},
		{"INFLUX_ORG", kindString, &c.InfluxOrg},
		{"INFLUX_BUCKET", kindString, &c.InfluxBucket},
		{"INFLUX_TIMEOUT_MS", kindInt, &c.InfluxTimeoutMS},
		{"ROUTING_URL", kindString, &c.RoutingURL},
		{"ROUTING_TIMEOUT_MS", kindInt, &c.RoutingTimeoutMS},
		{"ROUTING_RETRY_MAX", kindInt, &c.RoutingRetryMax},
		{"ROUTING_BREAKER_THRESHOLD", kindInt, &c.RoutingBreakerThreshold},
		{"ROUTING_BREAKER_RESET_SECONDS", kindInt, &c.RoutingBreakerResetSec},
		{"ROUTE_CACHE_TTL_SECONDS", kindInt, &c.RouteCacheTTLSec},
		{"ROUTE_CACHE_MAX_ENTRIES", kindInt, &c.RouteCacheMaxEntries},
		{"ROUTE_FALLBACK_TTL_SECONDS", kindInt, &c.RouteFallbackTTLSec},
		{"ROUTE_LOOKUP_TIMEOUT_MS", kindInt, &c.RouteLookupTimeoutMS},
		{"ROUTE_FANOUT", kindInt, &c.RouteFanout},
		{"FACILITY_CACHE_TTL_SECONDS", kindInt, &c.FacilityCacheTTLSec},
		{"QUEUE_DEFAULT_BASELINE_MIN", kindInt, &c.QueueBaselineMin},
		{"QUEUE_REFRESH_SECONDS", kindInt, &c.QueueRefreshSec},
		{"QUEUE_LOCK_TTL_MS", kindInt, &c.QueueLockTTLMS},
		{"ROSTER_REFRESH_SECONDS", kindInt, &c.RosterRefreshSec},
		{"NOTIFY_BUFFER", kindInt, &c.NotifyBuffer},
		{"NOTIFY_SWEEP_SECONDS", kindInt, &c.NotifySweepSec},
		{"NOTIFY_ACK_TIMEOUT_SECONDS", kindInt, &c.NotifyAckTimeoutSec},
		{"NOTIFY_SINK", kindString, &c.NotifySink},
		{"OTEL_ENABLED", kindBool, &c.OtelEnabled},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", kindString, &c.OtelEndpoint},
		{"OTEL_EXPORTER_OTLP_INSECURE", kindBool, &c.OtelInsecure},
		{"OTEL_SAMPLE_RATIO", kindFloat, &c.OtelSampleRatio},
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                     envRaw,
		ServiceName:             serviceNameDefault,
		HTTPPort:                httpPortDefault,
		LogLevel:                "info",
		ConfigPath:              strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:        30000,
		DBMaxConns:              10,
		DBMinConns:              1,
		DBConnMaxIdleSec:        300,
		DBConnMaxLifeSec:        1800,
		PersistRetryMax:         4,
		KafkaRetryMax:           5,
		KafkaWriteMS:            5000,
		AsynqQueue:              "default",
		AsynqConcurrency:        10,
		OutboxScanSec:           5,
		OutboxBatchSize:         50,
		OutboxMaxAttempts:       20,
		InfluxTimeoutMS:         5000,
		RoutingTimeoutMS:        2000,
		RoutingRetryMax:         1,
		RoutingBreakerThreshold: 5,
		RoutingBreakerResetSec:  30,
		RouteCacheTTLSec:        300,
		RouteCacheMaxEntries:    4096,
		RouteFallbackTTLSec:     30,
		RouteLookupTimeoutMS:    2500,
		RouteFanout:             8,
		FacilityCacheTTLSec:     30,
		QueueBaselineMin:        30,
		QueueRefreshSec:         60,
		QueueLockTTLMS:          3000,
		RosterRefreshSec:        60,
		NotifyBuffer:            256,
		NotifySweepSec:          30,
		NotifyAckTimeoutSec:     120,
		NotifySink:              "outbox",
		OtelInsecure:            true,
		OtelSampleRatio:         1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}

	positive := func(v *int, field string, def int) {
		if *v <= 0 {
			problems = append(problems, Problem{Field: field, Message: field + " must be > 0"})
			*v = def
		}
	}
	nonNegative := func(v *int, field string, def int) {
		if *v < 0 {
			problems = append(problems, Problem{Field: field, Message: field + " must be >= 0"})
			*v = def
		}
	}

	positive(&cfg.RequestTimeoutMS, "REQUEST_TIMEOUT_MS", 30000)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	positive(&cfg.DBMaxConns, "DB_MAX_CONNS", 10)
	nonNegative(&cfg.DBMinConns, "DB_MIN_CONNS", 1)
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SECONDS", 300)
	positive(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFETIME_SECONDS", 1800)
	nonNegative(&cfg.PersistRetryMax, "PERSIST_RETRY_MAX", 4)
	nonNegative(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", 5)
	positive(&cfg.KafkaWriteMS, "KAFKA_WRITE_TIMEOUT_MS", 5000)
	nonNegative(&cfg.RedisDB, "REDIS_DB", 0)
	nonNegative(&cfg.AsynqRedisDB, "ASYNQ_REDIS_DB", 0)
	positive(&cfg.AsynqConcurrency, "ASYNQ_CONCURRENCY", 10)
	positive(&cfg.OutboxScanSec, "OUTBOX_SCAN_INTERVAL_SECONDS", 5)
	positive(&cfg.OutboxBatchSize, "OUTBOX_BATCH_SIZE", 50)
	positive(&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", 20)
	positive(&cfg.InfluxTimeoutMS, "INFLUX_TIMEOUT_MS", 5000)
	positive(&cfg.RoutingTimeoutMS, "ROUTING_TIMEOUT_MS", 2000)
	nonNegative(&cfg.RoutingRetryMax, "ROUTING_RETRY_MAX", 1)
	positive(&cfg.RoutingBreakerThreshold, "ROUTING_BREAKER_THRESHOLD", 5)
	positive(&cfg.RoutingBreakerResetSec, "ROUTING_BREAKER_RESET_SECONDS", 30)
	positive(&cfg.RouteCacheTTLSec, "ROUTE_CACHE_TTL_SECONDS", 300)
	positive(&cfg.RouteCacheMaxEntries, "ROUTE_CACHE_MAX_ENTRIES", 4096)
	positive(&cfg.RouteFallbackTTLSec, "ROUTE_FALLBACK_TTL_SECONDS", 30)
	positive(&cfg.RouteLookupTimeoutMS, "ROUTE_LOOKUP_TIMEOUT_MS", 2500)
	positive(&cfg.RouteFanout, "ROUTE_FANOUT", 8)
	positive(&cfg.FacilityCacheTTLSec, "FACILITY_CACHE_TTL_SECONDS", 30)
	positive(&cfg.QueueBaselineMin, "QUEUE_DEFAULT_BASELINE_MIN", 30)
	positive(&cfg.QueueRefreshSec, "QUEUE_REFRESH_SECONDS", 60)
	positive(&cfg.QueueLockTTLMS, "QUEUE_LOCK_TTL_MS", 3000)
	positive(&cfg.RosterRefreshSec, "ROSTER_REFRESH_SECONDS", 60)
	positive(&cfg.NotifyBuffer, "NOTIFY_BUFFER", 256)
	positive(&cfg.NotifySweepSec, "NOTIFY_SWEEP_SECONDS", 30)
	positive(&cfg.NotifyAckTimeoutSec, "NOTIFY_ACK_TIMEOUT_SECONDS", 120)

	switch cfg.NotifySink {
	case "kafka", "outbox":
	default:
		problems = append(problems, Problem{Field: "NOTIFY_SINK", Message: "NOTIFY_SINK must be kafka or outbox"})
		cfg.NotifySink = "outbox"
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, b := range cfg.bindings() {
		v := os.Getenv(b.key)
		if b.key == "HTTP_PORT" && strings.TrimSpace(v) == "" {
			v = os.Getenv("PORT")
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		applyValue(b, v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	bindings := cfg.bindings()
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		for _, b := range bindings {
			if b.key == key {
				applyValue(b, v, problems)
				break
			}
		}
	}
}

func applyValue(b binding, v any, problems *[]Problem) {
	switch b.kind {
	case kindString:
		if s, ok := v.(string); ok {
			*b.ptr.(*string) = strings.TrimSpace(s)
		}
	case kindSecret:
		if s, ok := v.(string); ok {
			*b.ptr.(*string) = s
		}
	case kindInt:
		if i, ok := asInt(v); ok {
			*b.ptr.(*int) = i
		} else {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be an integer"})
		}
	case kindFloat:
		if f, ok := asFloat(v); ok {
			*b.ptr.(*float64) = f
		} else {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a number"})
		}
	case kindBool:
		var parsed, ok bool
		switch t := v.(type) {
		case bool:
			parsed, ok = t, true
		case string:
			parsed, ok = asBool(t)
		}
		if ok {
			*b.ptr.(*bool) = parsed
		} else {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a boolean"})
		}
	case kindCSV:
		switch t := v.(type) {
		case string:
			*b.ptr.(*[]string) = parseCSV(t)
		case []any:
			*b.ptr.(*[]string) = parseAnyCSV(t)
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
