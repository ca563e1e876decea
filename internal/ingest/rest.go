package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"vitalwatch/internal/config"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
	"vitalwatch/internal/normalize"
)

const (
	sourceREST   = "rest"
	maxBodyBytes = 2 << 20
)

type RESTServer struct {
	cfg     *config.Manager
	sink    *Sink
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

type rejected struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted int        `json:"accepted"`
	Dropped  int        `json:"dropped"`
	Failed   int        `json:"failed"`
	Errors   []rejected `json:"errors,omitempty"`
}

func NewRESTServer(cfg *config.Manager, out chan<- model.Reading, logger *slog.Logger) *RESTServer {
	current := cfg.Get().Ingest.REST
	limit := rate.Inf
	if current.RateLimitRPS > 0 {
		limit = rate.Limit(current.RateLimitRPS)
	}
	burst := current.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &RESTServer{
		cfg:     cfg,
		sink:    NewSink(sourceREST, out, logger),
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Reading, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, out, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.With(s.rateLimit).Post("/readings", s.handleReadings)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func (s *RESTServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			metrics.RecordReadingRejected(sourceREST)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *RESTServer) handleReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var records []*normalize.ReadingFields
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "text/csv":
		records, err = NewCSVParser().Records(string(trim))
	case trim[0] == '[':
		records, err = decodeArray(trim)
	default:
		var fields *normalize.ReadingFields
		fields, err = ParseJSONBytes(trim)
		records = []*normalize.ReadingFields{fields}
	}
	if err != nil {
		http.Error(w, "malformed body: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg := s.cfg.Get()
	now := s.now()
	var resp ingestResponse
	for i, fields := range records {
		fields.Raw = sourceREST
		reading, err := normalize.Normalize(*fields, cfg, now)
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, rejected{Index: i, Error: err.Error()})
			metrics.RecordReadingRejected(sourceREST)
			if s.logger != nil {
				s.logger.Warn("rest normalize error", "index", i, "err", err)
			}
			continue
		}
		if !s.sink.Deliver(r.Context(), reading) {
			resp.Dropped++
			continue
		}
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 && resp.Failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	if resp.Accepted == 0 && resp.Dropped > 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeArray(data []byte) ([]*normalize.ReadingFields, error) {
	var list []map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&list); err != nil {
		return nil, err
	}
	out := make([]*normalize.ReadingFields, 0, len(list))
	for _, obj := range list {
		out = append(out, ParseJSONMap(obj))
	}
	return out, nil
}
