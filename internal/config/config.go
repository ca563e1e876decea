package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Analysis  AnalysisConfig  `json:"analysis" yaml:"analysis"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Lock      LockConfig      `json:"lock" yaml:"lock"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Runs      RunsConfig      `json:"runs" yaml:"runs"`
}

type IngestConfig struct {
	ChannelBuffer int          `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig   `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig  `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Addr         string  `json:"addr" yaml:"addr"`
	RateLimitRPS float64 `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateBurst    int     `json:"rate_burst" yaml:"rate_burst"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone      string        `json:"timezone" yaml:"timezone"`
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type AnalysisConfig struct {
	TrendWindow           time.Duration  `json:"trend_window" yaml:"trend_window"`
	StreakLength          int            `json:"streak_length" yaml:"streak_length"`
	AdherenceWindow       time.Duration  `json:"adherence_window" yaml:"adherence_window"`
	OverdueGrace          time.Duration  `json:"overdue_grace" yaml:"overdue_grace"`
	MissedStreakThreshold int            `json:"missed_streak_threshold" yaml:"missed_streak_threshold"`
	Adherence             AdherenceCuts  `json:"adherence" yaml:"adherence"`
	Cooldowns             CooldownConfig `json:"cooldowns" yaml:"cooldowns"`
	Parallelism           int            `json:"parallelism" yaml:"parallelism"`
}

// AdherenceCuts are inclusive upper bounds on the adherence rate.
type AdherenceCuts struct {
	Critical float64 `json:"critical" yaml:"critical"`
	High     float64 `json:"high" yaml:"high"`
	Medium   float64 `json:"medium" yaml:"medium"`
}

type CooldownConfig struct {
	ThresholdExceeded  time.Duration `json:"threshold_exceeded" yaml:"threshold_exceeded"`
	AbnormalTrend      time.Duration `json:"abnormal_trend" yaml:"abnormal_trend"`
	MissedMedication   time.Duration `json:"missed_medication" yaml:"missed_medication"`
	SystemNotification time.Duration `json:"system_notification" yaml:"system_notification"`
}

type SchedulerConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type LockConfig struct {
	Driver string        `json:"driver" yaml:"driver"`
	TTL    time.Duration `json:"ttl" yaml:"ttl"`
	Redis  RedisConfig   `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type NotifyConfig struct {
	// Timeout bounds the delivery of one alert across every channel.
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`
	Kafka   NotifyKafkaConfig `json:"kafka" yaml:"kafka"`
	MQTT    MQTTConfig        `json:"mqtt" yaml:"mqtt"`
}

type NotifyKafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type RunsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080", RateLimitRPS: 50, RateBurst: 100},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", MaxFutureSkew: 5 * time.Minute},
		},
		Analysis: DefaultAnalysis(),
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: 72 * time.Hour,
		},
		Lock:    LockConfig{Driver: "local", TTL: 10 * time.Minute},
		Notify:  NotifyConfig{Timeout: 5 * time.Second, MQTT: MQTTConfig{TopicPrefix: "vitalwatch/doctors", QoS: 1}},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:vitalwatch.db?_pragma=busy_timeout(5000)"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
		Runs:    RunsConfig{StoreLimit: 5000},
	}
}

func DefaultAnalysis() AnalysisConfig {
	return AnalysisConfig{
		TrendWindow:           7 * 24 * time.Hour,
		StreakLength:          3,
		AdherenceWindow:       3 * 24 * time.Hour,
		OverdueGrace:          30 * time.Minute,
		MissedStreakThreshold: 3,
		Adherence:             AdherenceCuts{Critical: 0.5, High: 0.7, Medium: 0.85},
		Cooldowns: CooldownConfig{
			ThresholdExceeded:  6 * time.Hour,
			AbnormalTrend:      6 * time.Hour,
			MissedMedication:   24 * time.Hour,
			SystemNotification: 24 * time.Hour,
		},
		Parallelism: 4,
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON over the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultAnalysis()
	a := &cfg.Analysis
	if a.TrendWindow <= 0 {
		a.TrendWindow = def.TrendWindow
	}
	if a.StreakLength <= 0 {
		a.StreakLength = def.StreakLength
	}
	if a.AdherenceWindow <= 0 {
		a.AdherenceWindow = def.AdherenceWindow
	}
	if a.OverdueGrace <= 0 {
		a.OverdueGrace = def.OverdueGrace
	}
	if a.MissedStreakThreshold <= 0 {
		a.MissedStreakThreshold = def.MissedStreakThreshold
	}
	if a.Adherence == (AdherenceCuts{}) {
		a.Adherence = def.Adherence
	}
	if a.Cooldowns.ThresholdExceeded <= 0 {
		a.Cooldowns.ThresholdExceeded = def.Cooldowns.ThresholdExceeded
	}
	if a.Cooldowns.AbnormalTrend <= 0 {
		a.Cooldowns.AbnormalTrend = def.Cooldowns.AbnormalTrend
	}
	if a.Cooldowns.MissedMedication <= 0 {
		a.Cooldowns.MissedMedication = def.Cooldowns.MissedMedication
	}
	if a.Cooldowns.SystemNotification <= 0 {
		a.Cooldowns.SystemNotification = def.Cooldowns.SystemNotification
	}
	if a.Parallelism <= 0 {
		a.Parallelism = def.Parallelism
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = 72 * time.Hour
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Runs.StoreLimit <= 0 {
		cfg.Runs.StoreLimit = 5000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Lock.Driver == "" {
		cfg.Lock.Driver = "local"
	}
	if cfg.Lock.TTL <= 0 {
		cfg.Lock.TTL = 10 * time.Minute
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}
	if cfg.Notify.MQTT.TopicPrefix == "" {
		cfg.Notify.MQTT.TopicPrefix = "vitalwatch/doctors"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Notify.Kafka.Enabled && (len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "") {
		return errors.New("notify.kafka requires brokers and topic")
	}
	if cfg.Notify.MQTT.Enabled && cfg.Notify.MQTT.Broker == "" {
		return errors.New("notify.mqtt.broker required when notify.mqtt.enabled is true")
	}
	if cfg.Notify.MQTT.QoS > 2 {
		return fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2: %d", cfg.Notify.MQTT.QoS)
	}
	switch strings.ToLower(cfg.Lock.Driver) {
	case "local":
	case "redis":
		if cfg.Lock.Redis.Addr == "" {
			return errors.New("lock.redis.addr required when lock.driver is redis")
		}
	default:
		return fmt.Errorf("unsupported lock driver: %s", cfg.Lock.Driver)
	}
	cuts := cfg.Analysis.Adherence
	if !(0 <= cuts.Critical && cuts.Critical <= cuts.High && cuts.High <= cuts.Medium && cuts.Medium <= 1) {
		return errors.New("analysis.adherence cut-offs must satisfy 0 <= critical <= high <= medium <= 1")
	}
	if cfg.Analysis.StreakLength < 2 {
		return errors.New("analysis.streak_length must be >= 2")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
