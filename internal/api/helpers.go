package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/paella/internal/diffusion"
	"github.com/samcharles93/paella/internal/tensor"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeRateLimited(c *echo.Context) error {
	c.Response().Header().Set("Retry-After", "1")
	return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many sampling requests", "", "rate_limit_exceeded")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](c *echo.Context) (*T, error) {
	var v T
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, newInvalidRequest("", "invalid JSON body: %v", err)
	}
	return &v, nil
}

func newSampleID() string {
	return "sample_" + uuid.NewString()
}

// resolveConfig overlays the request options on the server defaults.
func resolveConfig(def diffusion.Config, req *SampleRequest) (diffusion.Config, error) {
	cfg := def
	if req.Steps != nil {
		cfg.Steps = *req.Steps
		// A shorter schedule cannot keep the default renoise count.
		if req.RenoiseSteps == nil && cfg.RenoiseSteps > cfg.Steps {
			cfg.RenoiseSteps = max(cfg.Steps-1, 0)
		}
	}
	if req.Height != nil {
		cfg.Height = *req.Height
	}
	if req.Width != nil {
		cfg.Width = *req.Width
	}
	if req.StartingT != nil {
		cfg.StartingT = *req.StartingT
	}
	switch len(req.TempRange) {
	case 0:
	case 1:
		cfg.TempRange = [2]float64{req.TempRange[0], req.TempRange[0]}
	case 2:
		cfg.TempRange = [2]float64{req.TempRange[0], req.TempRange[1]}
	default:
		return cfg, newInvalidRequest("temp_range", "expected 1 or 2 values, got %d", len(req.TempRange))
	}
	if req.TypicalFiltering != nil {
		cfg.TypicalFiltering = *req.TypicalFiltering
	}
	if req.TypicalMass != nil {
		cfg.TypicalMass = *req.TypicalMass
	}
	if req.TypicalMinTokens != nil {
		cfg.TypicalMinTokens = *req.TypicalMinTokens
	}
	if req.ClassifierFreeScale != nil {
		cfg.ClassifierFreeScale = *req.ClassifierFreeScale
	}
	if req.RenoiseSteps != nil {
		cfg.RenoiseSteps = *req.RenoiseSteps
	}
	if req.RenoiseMode != "" {
		mode, err := diffusion.ParseRenoiseMode(req.RenoiseMode)
		if err != nil {
			return cfg, err
		}
		cfg.RenoiseMode = mode
	}
	return cfg, cfg.Validate()
}

// buildInput converts the nested JSON arrays into sampler tensors. Ragged
// arrays are rejected.
func buildInput(req *SampleRequest) (diffusion.Input, error) {
	var in diffusion.Input
	if len(req.Cond) == 0 {
		return in, newInvalidRequest("cond", "is required")
	}
	d := len(req.Cond[0])
	if d == 0 {
		return in, newInvalidRequest("cond", "rows must not be empty")
	}
	data := make([]float32, 0, len(req.Cond)*d)
	for i, row := range req.Cond {
		if len(row) != d {
			return in, newInvalidRequest("cond", "row %d has %d values, want %d", i, len(row), d)
		}
		data = append(data, row...)
	}
	in.Cond = tensor.NewPooledCond(len(req.Cond), d, data)

	if len(req.CondFull) > 0 {
		seq, err := seqFromRows(req.CondFull)
		if err != nil {
			return in, err
		}
		in.CondFull = seq
	}
	if len(req.X) > 0 {
		b, h, w, flat, err := flatten3("x", req.X)
		if err != nil {
			return in, err
		}
		in.X = &tensor.Grid{B: b, H: h, W: w, Data: flat}
	}
	if len(req.Mask) > 0 {
		if in.X == nil {
			return in, newInvalidRequest("mask", "requires x")
		}
		b, h, w, flat, err := flatten3("mask", req.Mask)
		if err != nil {
			return in, err
		}
		m := tensor.NewMask(b, h, w)
		for i, v := range flat {
			if v != 0 && v != 1 {
				return in, newInvalidRequest("mask", "values must be 0 or 1, got %d", v)
			}
			m.Data[i] = uint8(v)
		}
		in.Mask = &m
	}
	return in, nil
}

func seqFromRows(rows [][][]float32) (tensor.Seq, error) {
	b := len(rows)
	l := len(rows[0])
	if l == 0 || len(rows[0][0]) == 0 {
		return tensor.Seq{}, newInvalidRequest("cond_full", "must not be empty")
	}
	d := len(rows[0][0])
	seq := tensor.NewSeq(b, l, d)
	for i, tokens := range rows {
		if len(tokens) != l {
			return tensor.Seq{}, newInvalidRequest("cond_full", "entry %d has %d tokens, want %d", i, len(tokens), l)
		}
		for t, v := range tokens {
			if len(v) != d {
				return tensor.Seq{}, newInvalidRequest("cond_full", "entry %d token %d has width %d, want %d", i, t, len(v), d)
			}
			copy(seq.Token(i, t), v)
		}
	}
	return seq, nil
}

func flatten3(param string, rows [][][]int32) (b, h, w int, flat []int32, err error) {
	b, h = len(rows), len(rows[0])
	if h == 0 || len(rows[0][0]) == 0 {
		return 0, 0, 0, nil, newInvalidRequest(param, "must not be empty")
	}
	w = len(rows[0][0])
	flat = make([]int32, 0, b*h*w)
	for i, plane := range rows {
		if len(plane) != h {
			return 0, 0, 0, nil, newInvalidRequest(param, "entry %d has %d rows, want %d", i, len(plane), h)
		}
		for y, row := range plane {
			if len(row) != w {
				return 0, 0, 0, nil, newInvalidRequest(param, "entry %d row %d has %d values, want %d", i, y, len(row), w)
			}
			flat = append(flat, row...)
		}
	}
	return b, h, w, flat, nil
}

// gridRows nests a grid back into (B, H, W) arrays.
func gridRows(g tensor.Grid) [][][]int32 {
	out := make([][][]int32, g.B)
	for b := range out {
		plane := g.Plane(b)
		out[b] = make([][]int32, g.H)
		for y := range out[b] {
			out[b][y] = append([]int32(nil), plane[y*g.W:(y+1)*g.W]...)
		}
	}
	return out
}
