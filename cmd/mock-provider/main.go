// A stand-in for the WhatsApp Cloud API used in local compose stacks and
// load tests. Outcomes are configurable: a fixed outcome, a repeating
// sequence, or a weighted random mix of failures.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
	"github.com/oklog/ulid/v2"
)

type config struct {
	Port           string  `envconfig:"PORT" default:"8080"`
	OutcomeMode    string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"` // fixed | sequence | random
	OutcomesRaw    string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate    float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs        int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutDelayMs int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"70000"`

	Outcomes     []string
	Delay        time.Duration
	TimeoutDelay time.Duration
}

// Outcome names accepted in MOCK_OUTCOMES. Each maps to a Cloud-API
// response shape the worker's classifier understands.
const (
	outcomeOK          = "ok"
	outcomeSpam        = "spam"        // 131048
	outcomePolicy      = "policy"      // 368
	outcomeBlocked     = "blocked"     // 131050
	outcomeInvalidDest = "invalid"     // 400, unknown recipient
	outcomeBusy        = "busy"        // 429
	outcomeServerErr   = "server_err"  // 500
	outcomeTimeout     = "timeout"     // hang past the caller's deadline
)

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

type server struct {
	cfg   config
	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	router := mux.NewRouter()
	router.HandleFunc("/{PhoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	slog.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	for _, o := range strings.Split(cfg.OutcomesRaw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.Outcomes = append(cfg.Outcomes, o)
		}
	}
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{outcomeOK}
	}
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.TimeoutDelay = time.Duration(cfg.TimeoutDelayMs) * time.Millisecond
	return cfg
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To   string `json:"to"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.To == "" {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid payload", Code: 100})
		return
	}

	if s.cfg.Delay > 0 {
		time.Sleep(s.cfg.Delay)
	}

	outcome := s.nextOutcome()
	slog.Info("mock send", "to", body.To, "outcome", outcome)

	switch outcome {
	case outcomeOK:
		writeJSON(w, http.StatusOK, map[string]any{
			"messaging_product": "whatsapp",
			"messages":          []map[string]string{{"id": "wamid." + ulid.Make().String()}},
		})
	case outcomeSpam:
		writeError(w, http.StatusBadRequest, apiError{Message: "spam rate limit hit", Code: 131048})
	case outcomePolicy:
		writeError(w, http.StatusForbidden, apiError{Message: "temporarily blocked for policy violations", Code: 368})
	case outcomeBlocked:
		writeError(w, http.StatusBadRequest, apiError{Message: "user has blocked this business", Code: 131050})
	case outcomeInvalidDest:
		writeError(w, http.StatusBadRequest, apiError{Message: "recipient is not a valid whatsapp user", Code: 131026})
	case outcomeBusy:
		writeError(w, http.StatusTooManyRequests, apiError{Message: "too many requests", Code: 80007})
	case outcomeServerErr:
		writeError(w, http.StatusInternalServerError, apiError{Message: "an unexpected error occurred", Code: 1})
	case outcomeTimeout:
		select {
		case <-time.After(s.cfg.TimeoutDelay):
		case <-r.Context().Done():
		}
		writeError(w, http.StatusGatewayTimeout, apiError{Message: "request timed out", Code: 1})
	default:
		writeError(w, http.StatusBadRequest, apiError{
			Message: fmt.Sprintf("unknown mock outcome %q", outcome),
			Code:    100,
		})
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "sequence":
		i := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[i%uint64(len(s.cfg.Outcomes))]
	case "random":
		s.rngMu.Lock()
		roll := s.rng.Float64()
		pick := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if roll < s.cfg.SuccessRate {
			return outcomeOK
		}
		if out := s.cfg.Outcomes[pick]; out != outcomeOK {
			return out
		}
		return outcomeServerErr
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Mock-Error-Code", strconv.Itoa(e.Code))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiError{"error": e})
}
