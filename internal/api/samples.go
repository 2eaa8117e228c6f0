package api

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/paella/internal/diffusion"
	"github.com/samcharles93/paella/internal/logger"
	"github.com/samcharles93/paella/internal/model"
)

// ServerConfig tunes the sampling endpoints.
type ServerConfig struct {
	// Defaults fill every option a request leaves unset.
	Defaults diffusion.Config
	// RateLimit is the sustained number of sampling requests per second.
	// Zero or negative disables limiting.
	RateLimit float64
	Burst     int
	// StoreCapacity bounds the in-memory result store; 0 is unbounded.
	StoreCapacity int
	// Logger receives per-request logs; nil means logger.Default().
	Logger logger.Logger
}

type Server struct {
	store    *SampleStore
	provider ModelProvider
	defaults diffusion.Config
	limiter  *rate.Limiter
	clock    func() time.Time
	seed     func() uint64
	log      logger.Logger
}

func NewServer(provider ModelProvider, cfg ServerConfig) *Server {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		store:    NewSampleStore(cfg.StoreCapacity),
		provider: provider,
		defaults: cfg.Defaults,
		limiter:  rate.NewLimiter(limit, burst),
		clock:    time.Now,
		seed:     rand.Uint64,
		log:      log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/samples", s.handleCreateSample)
	e.GET("/v1/samples/:id", s.handleGetSample)
	e.DELETE("/v1/samples/:id", s.handleDeleteSample)
	e.GET("/v1/model", s.handleGetModel)
	e.GET("/v1/models", s.handleListModels)
}

func (s *Server) handleCreateSample(c *echo.Context) error {
	if !s.limiter.Allow() {
		return writeRateLimited(c)
	}
	req, err := decodeJSON[SampleRequest](c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if streamParam(c) {
		req.Stream = true
	}

	cfg, err := resolveConfig(s.defaults, req)
	if err != nil {
		return writeRequestError(c, err)
	}
	in, err := buildInput(req)
	if err != nil {
		return writeRequestError(c, err)
	}

	seed := s.seed()
	if req.Seed != nil && *req.Seed != 0 {
		seed = *req.Seed
	}
	resp := SampleResponse{
		ID:        newSampleID(),
		Object:    "sample",
		CreatedAt: s.clock().Unix(),
		Status:    "in_progress",
		Model:     req.Model,
		Seed:      seed,
		Options:   cfg,
		Metadata:  req.Metadata,
	}

	log := s.log.With("sample_id", resp.ID)
	ctx := logger.WithContext(c.Request().Context(), log)

	if req.Stream {
		return s.streamSample(ctx, c, req, resp, in, cfg)
	}

	resp, err = s.runSample(ctx, req, resp, in, cfg, nil)
	if err != nil {
		log.Warn("sampling failed", "error", err)
		return writeRequestError(c, err)
	}
	s.save(req, resp)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) streamSample(ctx context.Context, c *echo.Context, req *SampleRequest, resp SampleResponse, in diffusion.Input, cfg diffusion.Config) error {
	writer, err := NewSSEStreamWriter(c, req.IncludeStepGrids)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	c.Response().WriteHeader(http.StatusOK)
	if err := writer.Begin(resp); err != nil {
		return err
	}
	done, err := s.runSample(ctx, req, resp, in, cfg, writer.Step(resp.ID))
	if err != nil {
		logger.FromContext(ctx).Warn("sampling failed", "error", err)
		failed := resp
		failed.Status = "failed"
		failed.Error = errorBody(err)
		s.save(req, failed)
		return writer.Failed(failed, err)
	}
	s.save(req, done)
	return writer.Complete(done)
}

func (s *Server) runSample(ctx context.Context, req *SampleRequest, resp SampleResponse, in diffusion.Input, cfg diffusion.Config, onStep diffusion.StepFunc) (SampleResponse, error) {
	start := s.clock()
	err := s.provider.WithModel(ctx, req.Model, func(m LoadedModel) error {
		if resp.Model == "" {
			resp.Model = m.Info.ID
		}
		sampler := &diffusion.Sampler{
			Denoiser: m.Denoiser,
			Config:   cfg,
			Rand:     rand.New(rand.NewPCG(resp.Seed, resp.Seed^0x9e3779b97f4a7c15)),
			OnStep:   onStep,
		}
		grid, err := sampler.Run(ctx, in)
		if err != nil {
			return err
		}
		resp.Shape = []int{grid.B, grid.H, grid.W}
		resp.Grid = gridRows(grid)
		return nil
	})
	if err != nil {
		return resp, err
	}
	now := s.clock()
	completed := now.Unix()
	resp.CompletedAt = &completed
	resp.Status = "completed"
	resp.ElapsedMS = now.Sub(start).Milliseconds()
	logger.FromContext(ctx).Info("sample completed",
		"model", resp.Model, "shape", resp.Shape, "steps", cfg.Steps, "elapsed_ms", resp.ElapsedMS)
	return resp, nil
}

func (s *Server) save(req *SampleRequest, resp SampleResponse) {
	if req.Store != nil && !*req.Store {
		return
	}
	s.store.Save(resp)
}

func (s *Server) handleGetSample(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "sample not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteSample(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "sample not found")
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "sample.deleted", Deleted: true})
}

func (s *Server) handleGetModel(c *echo.Context) error {
	var info ModelInfo
	err := s.provider.WithModel(c.Request().Context(), c.QueryParam("model"), func(m LoadedModel) error {
		info = m.Info
		return nil
	})
	if err != nil {
		return writeRequestError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleListModels(c *echo.Context) error {
	ids, err := s.provider.ListModels()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, ModelInfo{ID: id, Object: "model"})
	}
	return c.JSON(http.StatusOK, list)
}

// writeRequestError maps sampling errors onto HTTP statuses.
func writeRequestError(c *echo.Context, err error) error {
	body := errorBody(err)
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, diffusion.ErrInvalidConfig), errors.Is(err, model.ErrInvalidInput):
		return writeError(c, http.StatusBadRequest, body.Type, body.Message, body.Param, "")
	case errors.Is(err, ErrModelNotFound):
		return writeError(c, http.StatusNotFound, body.Type, body.Message, "model", "model_not_found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, body.Type, body.Message, "", "cancelled")
	default:
		return writeError(c, http.StatusInternalServerError, body.Type, body.Message, "", "")
	}
}

func errorBody(err error) *ResponseError {
	body := &ResponseError{Message: err.Error(), Type: "server_error"}
	var ire invalidRequestError
	switch {
	case errors.As(err, &ire):
		body.Type = "invalid_request_error"
		body.Param = ire.param
	case errors.Is(err, diffusion.ErrInvalidConfig), errors.Is(err, model.ErrInvalidInput):
		body.Type = "invalid_request_error"
	case errors.Is(err, ErrModelNotFound):
		body.Type = "not_found_error"
	}
	return body
}

func streamParam(c *echo.Context) bool {
	v := strings.ToLower(strings.TrimSpace(c.QueryParam("stream")))
	return v == "1" || v == "true"
}
