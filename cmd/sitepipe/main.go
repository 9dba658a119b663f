package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"sitepipe/internal/agent"
	"sitepipe/internal/config"
	"sitepipe/internal/domain"
	"sitepipe/internal/generate"
	"sitepipe/internal/metrics"
	"sitepipe/internal/publish"
	"sitepipe/internal/queue"
	"sitepipe/internal/store/sqlite"
	"sitepipe/internal/worker"
)

func main() {
	configPath := flag.String("config", "sitepipe.toml", "path to TOML config file")
	addr := flag.String("addr", "", "listen address, overrides config")
	flag.Parse()

	logger := log.New(os.Stderr, "sitepipe ", log.LstdFlags|log.Lmsgprefix)

	if err := run(*configPath, *addr, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(configPath, addrOverride string, logger *log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Addr = addrOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("close store: %v", err)
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	specs := agent.DefaultSpecs()
	if cfg.PlaybookPath != "" {
		specs, err = agent.LoadPlaybook(cfg.PlaybookPath)
		if err != nil {
			return err
		}
		logger.Printf("loaded agent playbook from %s", cfg.PlaybookPath)
	}
	registry, err := agent.NewRegistry(specs...)
	if err != nil {
		return err
	}

	generator, err := generate.NewAPIGenerator(generate.APIGeneratorConfig{
		Endpoint:      cfg.Generator.Endpoint,
		Model:         cfg.Generator.Model,
		FallbackModel: cfg.Generator.FallbackModel,
		AuthToken:     os.Getenv(cfg.Generator.APIKeyEnv),
		Timeout:       cfg.Generator.Timeout(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	bus := metrics.NewBus(0)
	collector := metrics.NewCollector(bus)
	collector.Start(ctx)

	enforcer := generate.NewEnforcer(generator, logger)
	invoker := agent.NewInvoker(registry, enforcer, store, bus, logger)

	scheduler := queue.NewScheduler(store, cfg.QueueConfigs(), logger)

	exporter, err := publish.NewExporter(cfg.SiteRoot, logger)
	if err != nil {
		return err
	}
	dispatcher := worker.NewDispatcher(store, scheduler, invoker, registry, exporter, collector, cfg.Webhook, logger)

	manager := queue.NewManager(store, scheduler, dispatcher, logger)
	manager.Start(ctx)

	api := &apiServer{
		store:     store,
		scheduler: scheduler,
		collector: collector,
		logger:    logger,
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	manager.Wait()
	collector.Wait()
	return nil
}

type apiServer struct {
	store     *sqlite.Store
	scheduler *queue.Scheduler
	collector *metrics.Collector
	logger    *log.Logger
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", s.listQueues)
		r.Get("/{name}/health", s.queueHealth)
		r.Post("/{name}/pause", s.queuePause)
		r.Post("/{name}/resume", s.queueResume)
		r.Post("/{name}/drain", s.queueDrain)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.createProject)
		r.Get("/", s.listProjects)
		r.Get("/{id}", s.projectStatus)
		r.Post("/{id}/start", s.startProject)
		r.Post("/{id}/optimize", s.optimizeProject)
		r.Get("/{id}/runs", s.projectRuns)
		r.Get("/{id}/jobs", s.projectJobs)
		r.Get("/{id}/events", s.projectEvents)
		r.Get("/{id}/metrics", s.projectMetrics)
	})

	r.Post("/runs/{id}/cancel", s.cancelRun)
	return r
}

// cancelRun is cooperative: an executing run is not preempted, but the
// status guard discards its late result.
func (s *apiServer) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelAgentRun(r.Context(), runID, "cancelled by operator")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, fmt.Errorf("run is not pending or running"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelled"})
}

func (s *apiServer) listQueues(w http.ResponseWriter, r *http.Request) {
	result := make([]domain.QueueHealth, 0)
	for _, name := range s.scheduler.Queues() {
		health, err := s.scheduler.Health(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		result = append(result, health)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) queueHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.scheduler.Config(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue %q", name))
		return
	}
	health, err := s.scheduler.Health(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *apiServer) queuePause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.scheduler.Config(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue %q", name))
		return
	}
	s.scheduler.Pause(name)
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "state": "paused"})
}

func (s *apiServer) queueResume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.scheduler.Config(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue %q", name))
		return
	}
	s.scheduler.Resume(name)
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "state": "resumed"})
}

func (s *apiServer) queueDrain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.scheduler.Config(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue %q", name))
		return
	}
	removed, err := s.scheduler.Drain(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "removed": removed})
}

func (s *apiServer) createProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		SiteURL string `json:"site_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	project := domain.Project{
		ID:      uuid.NewString(),
		Name:    body.Name,
		SiteURL: body.SiteURL,
		Status:  domain.ProjectStatusActive,
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *apiServer) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// startProject kicks off the pipeline: one research job carrying the
// business description, everything downstream chains from its completion.
func (s *apiServer) startProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("project not found"))
		return
	}

	var body struct {
		BusinessDescription string `json:"business_description"`
		Locale              string `json:"locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.BusinessDescription == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("business_description is required"))
		return
	}

	// A project stuck in the error state only advances again through an
	// explicit restart.
	if project.Status == domain.ProjectStatusError {
		if err := s.store.UpdateProjectStatus(r.Context(), project.ID, domain.ProjectStatusActive, ""); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	input, err := json.Marshal(map[string]string{
		"business_description": body.BusinessDescription,
		"locale":               body.Locale,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	job, err := s.scheduler.Enqueue(r.Context(), config.QueueAgentTasks, worker.JobStageRun, domain.JobPayload{
		ProjectID: project.ID,
		Stage:     domain.StageResearch,
		Input:     input,
	}, queue.EnqueueOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"project_id":     project.ID,
		"job_id":         job.ID,
		"correlation_id": job.CorrelationID,
	})
}

// optimizeProject enqueues an optimization pass. Findings come from the
// request body, or from the latest monitor run when the body omits them.
func (s *apiServer) optimizeProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("project not found"))
		return
	}

	var body struct {
		Findings json.RawMessage `json:"findings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	findings := body.Findings
	if len(findings) == 0 {
		run, err := s.store.GetLatestRun(r.Context(), project.ID, domain.StageMonitor)
		if err != nil || run.Output == nil {
			writeError(w, http.StatusConflict, fmt.Errorf("no monitor findings available; run monitoring first or supply findings"))
			return
		}
		findings = run.Output
	}

	input, err := json.Marshal(map[string]json.RawMessage{"findings": findings})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	job, err := s.scheduler.Enqueue(r.Context(), config.QueueOptimize, worker.JobStageRun, domain.JobPayload{
		ProjectID: project.ID,
		Stage:     domain.StageOptimize,
		Input:     input,
	}, queue.EnqueueOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"project_id":     project.ID,
		"job_id":         job.ID,
		"correlation_id": job.CorrelationID,
	})
}

func (s *apiServer) projectStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("project not found"))
		return
	}
	pages, err := s.store.ListProjectPages(r.Context(), projectID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": project,
		"pages":   pages,
	})
}

func (s *apiServer) projectRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListProjectRuns(r.Context(), chi.URLParam(r, "id"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *apiServer) projectJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListProjectJobs(r.Context(), chi.URLParam(r, "id"), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) projectEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListProjectEvents(r.Context(), chi.URLParam(r, "id"), 300)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *apiServer) projectMetrics(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("correlation_id query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Totals(correlationID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
