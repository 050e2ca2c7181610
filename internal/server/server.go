// Package server exposes a Labeler over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	imagelabeler "github.com/menta2k/image-labeler"
	"github.com/menta2k/image-labeler/pkg/batch"
	"github.com/menta2k/image-labeler/pkg/export"
	"github.com/menta2k/image-labeler/pkg/ingest"
	"github.com/menta2k/image-labeler/pkg/naming"
	"github.com/menta2k/image-labeler/pkg/threshold"
	"github.com/menta2k/image-labeler/pkg/types"
)

// MaxUploadSize bounds the body of an upload request
const MaxUploadSize = "256M"

// Server serves the labeler API
type Server struct {
	labeler *imagelabeler.Labeler
	echo    *echo.Echo
	// ctx bounds background classification passes
	ctx context.Context
}

// New creates a server. Background passes stop when ctx is done.
func New(ctx context.Context, l *imagelabeler.Labeler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{labeler: l, echo: e, ctx: ctx}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.POST("/images", s.upload, middleware.BodyLimit(MaxUploadSize))
	s.echo.GET("/images", s.list)
	s.echo.GET("/images/:id", s.get)
	s.echo.PATCH("/images/:id", s.update)
	s.echo.DELETE("/images/:id", s.remove)
	s.echo.DELETE("/images", s.clear)
	s.echo.POST("/reclassify", s.reclassify)
	s.echo.GET("/threshold", s.getThreshold)
	s.echo.PUT("/threshold", s.setThreshold)
	s.echo.GET("/export/manifest.csv", s.manifest)
	s.echo.GET("/export/archive.zip", s.archive)
	s.echo.GET("/status", s.status)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.labeler.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})))
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	klog.Infof("Listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for running background passes
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.labeler.Wait()
	return err
}

// ImageView is the JSON form of a batch entry
type ImageView struct {
	ID              string   `json:"id"`
	Ordinal         int      `json:"ordinal"`
	OriginalName    string   `json:"original_name"`
	Name            string   `json:"name"`
	AutoName        string   `json:"auto_name"`
	NameOverride    string   `json:"name_override,omitempty"`
	Theme           string   `json:"theme"`
	Style           string   `json:"style"`
	RawTheme        string   `json:"raw_theme,omitempty"`
	RawStyle        string   `json:"raw_style,omitempty"`
	ThemeScore      *float64 `json:"theme_score"`
	StyleScore      *float64 `json:"style_score"`
	ThemeConfidence string   `json:"theme_confidence"`
	StyleConfidence string   `json:"style_confidence"`
	ThemeManual     bool     `json:"theme_manual,omitempty"`
	StyleManual     bool     `json:"style_manual,omitempty"`
	ThemeUncovered  bool     `json:"theme_uncovered,omitempty"`
	StyleUncovered  bool     `json:"style_uncovered,omitempty"`
	Pending         bool     `json:"pending"`
	NeedsReview     bool     `json:"needs_review"`
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func viewOf(e batch.Entry) ImageView {
	v := ImageView{
		ID:              e.ID,
		Ordinal:         e.Ordinal,
		OriginalName:    e.OriginalName,
		Name:            e.Name(),
		AutoName:        e.AutoName(),
		NameOverride:    e.NameOverride,
		Theme:           e.Theme,
		Style:           e.Style,
		ThemeScore:      finitePtr(e.ThemeScore()),
		StyleScore:      finitePtr(e.StyleScore()),
		ThemeConfidence: naming.FormatConfidence(e.ThemeScore()),
		StyleConfidence: naming.FormatConfidence(e.StyleScore()),
		ThemeManual:     e.ThemeManual,
		StyleManual:     e.StyleManual,
		ThemeUncovered:  e.ThemeUncovered,
		StyleUncovered:  e.StyleUncovered,
		Pending:         e.Pending(),
		NeedsReview:     e.NeedsReview(),
	}
	if e.RawTheme != nil {
		v.RawTheme = e.RawTheme.Label
	}
	if e.RawStyle != nil {
		v.RawStyle = e.RawStyle.Label
	}
	return v
}

func httpError(err error) error {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, export.ErrEmptyBatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// UploadResponse lists the records created by an upload
type UploadResponse struct {
	Added   []ImageView      `json:"added"`
	Skipped []ingest.Skipped `json:"skipped"`
}

func (s *Server) upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected a multipart form")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files uploaded")
	}

	inputs := make([]ingest.Input, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to open %s", fh.Filename))
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to read %s", fh.Filename))
		}
		inputs = append(inputs, ingest.Input{Name: fh.Filename, Data: data})
	}

	res, err := s.labeler.Ingest(inputs)
	if err != nil {
		return httpError(err)
	}

	resp := UploadResponse{Added: []ImageView{}, Skipped: res.Skipped}
	if resp.Skipped == nil {
		resp.Skipped = []ingest.Skipped{}
	}
	for _, id := range res.Added {
		if e, err := s.labeler.Get(id); err == nil {
			resp.Added = append(resp.Added, viewOf(e))
		}
	}
	if len(res.Added) > 0 {
		s.labeler.StartClassifyPending(s.ctx)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) list(c echo.Context) error {
	snap := s.labeler.Snapshot()
	views := make([]ImageView, len(snap))
	for i, e := range snap {
		views[i] = viewOf(e)
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) get(c echo.Context) error {
	e, err := s.labeler.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, viewOf(e))
}

// UpdateRequest edits a record. Absent fields are left alone.
type UpdateRequest struct {
	Theme        *string `json:"theme"`
	Style        *string `json:"style"`
	NameOverride *string `json:"name_override"`
	// AutoName pins the current auto name as the override
	AutoName bool `json:"auto_name"`
}

func (s *Server) update(c echo.Context) error {
	id := c.Param("id")
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AutoName && req.NameOverride != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "name_override and auto_name are exclusive")
	}

	if req.Theme != nil {
		if err := s.labeler.SetLabel(id, types.CategoryTheme, *req.Theme); err != nil {
			return httpError(err)
		}
	}
	if req.Style != nil {
		if err := s.labeler.SetLabel(id, types.CategoryStyle, *req.Style); err != nil {
			return httpError(err)
		}
	}
	if req.NameOverride != nil {
		if err := s.labeler.SetNameOverride(id, *req.NameOverride); err != nil {
			return httpError(err)
		}
	}
	if req.AutoName {
		if _, err := s.labeler.PinAutoName(id); err != nil {
			return httpError(err)
		}
	}

	e, err := s.labeler.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, viewOf(e))
}

func (s *Server) remove(c echo.Context) error {
	if err := s.labeler.Remove(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) clear(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"removed": s.labeler.Clear()})
}

func (s *Server) reclassify(c echo.Context) error {
	s.labeler.StartReclassifyAll(s.ctx)
	return c.JSON(http.StatusAccepted, map[string]int{"queued": len(s.labeler.Snapshot())})
}

// ThresholdView shows the threshold both as a fraction and as a percentage
type ThresholdView struct {
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"`
	Changed int     `json:"changed,omitempty"`
}

func thresholdView(v float64) ThresholdView {
	return ThresholdView{Value: v, Percent: math.Round(v*10000) / 100}
}

func (s *Server) getThreshold(c echo.Context) error {
	return c.JSON(http.StatusOK, thresholdView(s.labeler.Threshold()))
}

// ThresholdRequest sets the threshold from either representation
type ThresholdRequest struct {
	Value   *float64 `json:"value"`
	Percent *float64 `json:"percent"`
}

func (s *Server) setThreshold(c echo.Context) error {
	var req ThresholdRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var v float64
	switch {
	case req.Value != nil && req.Percent != nil:
		if math.Abs(*req.Value*100-*req.Percent) > 1e-6 {
			return echo.NewHTTPError(http.StatusBadRequest, "value and percent disagree")
		}
		v = *req.Value
	case req.Value != nil:
		v = *req.Value
	case req.Percent != nil:
		v = *req.Percent / 100
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "value or percent is required")
	}
	if err := threshold.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	changed, err := s.labeler.SetThreshold(v)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	view := thresholdView(v)
	view.Changed = changed
	return c.JSON(http.StatusOK, view)
}

func (s *Server) manifest(c echo.Context) error {
	var buf bytes.Buffer
	if err := s.labeler.WriteManifest(&buf); err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="manifest.csv"`)
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (s *Server) archive(c echo.Context) error {
	var buf bytes.Buffer
	if err := s.labeler.WriteArchive(&buf); err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="images-%s.zip"`, time.Now().Format("20060102-150405")))
	return c.Blob(http.StatusOK, "application/zip", buf.Bytes())
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.labeler.Status())
}
