package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"keepaway/internal/config"
	"keepaway/internal/domain"
	"keepaway/internal/loader"
	"keepaway/internal/orchestrator"
	"keepaway/internal/report"
	sqlitestore "keepaway/internal/store/sqlite"
)

type app struct {
	cfg          config.Config
	orchestrator *orchestrator.Service
	specs        []domain.AgentSpec
	defaults     domain.Params
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.keepaway/config.toml)")
	inputFlag := flag.String("input", "", "agent definitions file (.txt, .toml, .yaml, .json)")
	roundsFlag := flag.Int("rounds", 0, "rounds to run (default: both canonical runs)")
	reliefFlag := flag.Bool("relief", false, "divide by the relief factor after every transform")
	reliefFactorFlag := flag.Uint64("relief-factor", 0, "relief divisor (default 3)")
	traceFlag := flag.String("trace", "", "directory for zstd JSONL round traces")
	serve := flag.Bool("serve", false, "serve the HTTP API instead of running once")
	addrFlag := flag.String("addr", "", "http listen address override")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	input := firstNonEmpty(*inputFlag, cfg.Simulation.Input)
	var specs []domain.AgentSpec
	if input != "" {
		specs, err = loader.LoadFile(input)
		if err != nil {
			log.Fatalf("load agents: %v", err)
		}
	}

	params := domain.Params{
		Rounds:       intOrDefault(*roundsFlag, cfg.Simulation.Rounds),
		Relief:       cfg.Simulation.Relief,
		ReliefFactor: uint64OrDefault(*reliefFactorFlag, cfg.Simulation.ReliefFactor),
	}
	if set["relief"] {
		params.Relief = *reliefFlag
	}

	store, err := sqlitestore.Open()
	if err != nil {
		log.Fatalf("open run registry: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate run registry: %v", err)
	}

	orch := orchestrator.New(store, orchestrator.Config{
		TraceDir:     firstNonEmpty(*traceFlag, cfg.Trace.Dir),
		HistoryLimit: cfg.Server.HistoryLimit,
		MaxRounds:    cfg.Server.MaxRounds,
	}, log.Default())

	if !*serve {
		if len(specs) == 0 {
			log.Fatalf("no agent definitions: pass -input or set simulation.input")
		}
		if err := runOnce(ctx, orch, specs, params); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, ":8092")
	a := &app{
		cfg:          cfg,
		orchestrator: orch,
		specs:        specs,
		defaults:     params,
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("keepaway started addr=%s agents=%d input=%s", addr, len(specs), input)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func runOnce(ctx context.Context, orch *orchestrator.Service, specs []domain.AgentSpec, params domain.Params) error {
	type job struct {
		title  string
		params domain.Params
	}
	var jobs []job
	if params.Rounds > 0 {
		jobs = append(jobs, job{title: "run", params: params})
	} else {
		p1, p2 := domain.Part1Params(), domain.Part2Params()
		if params.ReliefFactor > 0 {
			p1.ReliefFactor = params.ReliefFactor
			p2.ReliefFactor = params.ReliefFactor
		}
		jobs = append(jobs, job{title: "part 1", params: p1}, job{title: "part 2", params: p2})
	}

	r := report.NewRenderer(os.Stdout)
	for _, j := range jobs {
		run, err := orch.ExecuteRun(ctx, orchestrator.RunInput{Specs: specs, Params: j.params})
		if err != nil && run.ID == "" {
			return fmt.Errorf("%s: %w", j.title, err)
		}
		fmt.Fprint(os.Stdout, r.Run(j.title, run))
		if err != nil {
			return fmt.Errorf("%s: %w", j.title, err)
		}
	}
	return nil
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/runs", a.handleRuns)
	mux.HandleFunc("/runs/", a.handleRunByID)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     a.cfg.Path,
		"raw":      a.cfg.Raw,
		"agents":   len(a.specs),
		"defaults": a.defaults,
	})
}

type runRequest struct {
	Rounds       int    `json:"rounds"`
	Relief       *bool  `json:"relief"`
	ReliefFactor uint64 `json:"relief_factor"`
	Input        string `json:"input"`
	Format       string `json:"format"`
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := a.orchestrator.ListRuns(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if runs == nil {
			runs = []domain.RunRecord{}
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}

		specs := a.specs
		if strings.TrimSpace(req.Input) != "" {
			format := loader.Format(firstNonEmpty(req.Format, string(loader.FormatText)))
			parsed, err := loader.Decode([]byte(req.Input), format)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			specs = parsed
		}
		if len(specs) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("input is required: no default agent definitions configured"))
			return
		}

		params := domain.Params{
			Rounds:       intOrDefault(req.Rounds, a.defaults.Rounds),
			Relief:       a.defaults.Relief,
			ReliefFactor: uint64OrDefault(req.ReliefFactor, a.defaults.ReliefFactor),
		}
		if req.Relief != nil {
			params.Relief = *req.Relief
		}

		run, err := a.orchestrator.ExecuteRun(r.Context(), orchestrator.RunInput{Specs: specs, Params: params})
		if err != nil {
			if domain.IsConfigError(err) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if run.ID == "" {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, run)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run id is required"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		run, err := a.orchestrator.GetRun(r.Context(), runID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	action := parts[1]
	switch action {
	case "rounds":
		items, err := a.orchestrator.ListRoundStats(r.Context(), runID, queryInt(r, "limit", 1000))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if items == nil {
			items = []domain.RoundStat{}
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlitestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func uint64OrDefault(v uint64, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
