package api

import (
	"github.com/samcharles93/paella/internal/diffusion"
	"github.com/samcharles93/paella/internal/model"
)

// SampleRequest is the body of POST /v1/samples. Options left unset fall
// back to the server defaults.
type SampleRequest struct {
	Model string `json:"model,omitempty"`

	// Cond is the pooled condition, one row of width D per batch entry.
	Cond [][]float32 `json:"cond"`
	// CondFull is the optional (B, L, D) condition sequence.
	CondFull [][][]float32 `json:"cond_full,omitempty"`
	// X and Mask are (B, H, W). Mask 1 marks positions to regenerate.
	X    [][][]int32 `json:"x,omitempty"`
	Mask [][][]int32 `json:"mask,omitempty"`

	Steps               *int      `json:"steps,omitempty"`
	Height              *int      `json:"height,omitempty"`
	Width               *int      `json:"width,omitempty"`
	StartingT           *int      `json:"starting_t,omitempty"`
	TempRange           []float64 `json:"temp_range,omitempty"`
	TypicalFiltering    *bool     `json:"typical_filtering,omitempty"`
	TypicalMass         *float64  `json:"typical_mass,omitempty"`
	TypicalMinTokens    *int      `json:"typical_min_tokens,omitempty"`
	ClassifierFreeScale *float64  `json:"classifier_free_scale,omitempty"`
	RenoiseSteps        *int      `json:"renoise_steps,omitempty"`
	RenoiseMode         string    `json:"renoise_mode,omitempty"`
	Seed                *uint64   `json:"seed,omitempty"`
	Stream              bool      `json:"stream,omitempty"`
	Store               *bool     `json:"store,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// IncludeStepGrids adds the intermediate grid to every streamed step event.
	IncludeStepGrids bool `json:"include_step_grids,omitempty"`
}

// SampleResponse is a finished (or failed) sampling call.
type SampleResponse struct {
	ID          string            `json:"id"`
	Object      string            `json:"object"`
	CreatedAt   int64             `json:"created_at"`
	CompletedAt *int64            `json:"completed_at,omitempty"`
	Status      string            `json:"status"`
	Model       string            `json:"model"`
	Seed        uint64            `json:"seed"`
	Options     diffusion.Config  `json:"options"`
	Shape       []int             `json:"shape,omitempty"`
	Grid        [][][]int32       `json:"grid,omitempty"`
	ElapsedMS   int64             `json:"elapsed_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Error       *ResponseError    `json:"error,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// StepEvent is streamed after every refinement step.
type StepEvent struct {
	Type           string      `json:"type"`
	SequenceNumber int         `json:"sequence_number"`
	SampleID       string      `json:"sample_id"`
	Step           int         `json:"step"`
	Steps          int         `json:"steps"`
	R              float64     `json:"r"`
	Temperature    float64     `json:"temperature"`
	Renoised       bool        `json:"renoised"`
	ElapsedMS      int64       `json:"elapsed_ms"`
	Grid           [][][]int32 `json:"grid,omitempty"`
}

type streamEvent struct {
	Type           string          `json:"type"`
	SequenceNumber int             `json:"sequence_number"`
	Sample         *SampleResponse `json:"sample,omitempty"`
}

// ModelInfo describes a loaded denoiser.
type ModelInfo struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	NumLabels int           `json:"num_labels"`
	Params    int           `json:"params,omitempty"`
	Config    *model.Config `json:"config,omitempty"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
