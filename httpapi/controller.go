package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"timetable-import/importer"
	"timetable-import/sheet"
)

// Lifecycle is the part of *importer.Engine the HTTP API drives.
type Lifecycle interface {
	StageRows(ctx context.Context, in importer.StageInput) (importer.StageResult, error)
	Preview(ctx context.Context, batchID uint, limit int) (importer.Preview, error)
	Commit(ctx context.Context, batchID uint) (importer.CommitResult, error)
	Discard(ctx context.Context, batchID uint) (importer.DiscardResult, error)
	Rollback(ctx context.Context, runID uint) (importer.RollbackResult, error)
	History(ctx context.Context, limit int) (importer.History, error)
	Ping(ctx context.Context) error
}

type ControllerOptions struct {
	PreviewLimit   int
	HistoryLimit   int
	MaxUploadBytes int64
	Sheet          sheet.Options
	Logger         *logrus.Logger
}

type ImportController struct {
	engine   Lifecycle
	opts     ControllerOptions
	validate *validator.Validate
	log      *logrus.Entry
}

func NewImportController(engine Lifecycle, opts ControllerOptions) *ImportController {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &ImportController{
		engine:   engine,
		opts:     opts,
		validate: validator.New(),
		log:      opts.Logger.WithField("component", "httpapi"),
	}
}

func (c *ImportController) Register(r *mux.Router) {
	r.HandleFunc("/imports/batches", c.Stage).Methods(http.MethodPost)
	r.HandleFunc("/imports/batches/{id:[0-9]+}/preview", c.Preview).Methods(http.MethodGet)
	r.HandleFunc("/imports/batches/{id:[0-9]+}:commit", c.Commit).Methods(http.MethodPost)
	r.HandleFunc("/imports/batches/{id:[0-9]+}:discard", c.Discard).Methods(http.MethodPost)
	r.HandleFunc("/imports/runs/{id:[0-9]+}:rollback", c.Rollback).Methods(http.MethodPost)
	r.HandleFunc("/imports/history", c.History).Methods(http.MethodGet)
	r.HandleFunc("/healthz", c.Health).Methods(http.MethodGet)
}

var errInvalidBatchID = errors.New("invalid batch_id")

type stageRequest struct {
	BatchID *uint             `json:"batch_id" validate:"omitempty,gt=0"`
	Source  string            `json:"source" validate:"max=512"`
	Rows    []importer.RawRow `json:"rows" validate:"required,min=1,dive"`
}

func (c *ImportController) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, env := engineError(err)
	if status >= http.StatusInternalServerError {
		c.log.WithField("request_id", RequestID(r.Context())).WithError(err).Error("import request failed")
	}
	_ = WriteJSON(w, status, env)
}

func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func queryLimit(r *http.Request, def int) (int, bool) {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Stage accepts either a JSON body of parsed rows or a multipart upload in field "file".
func (c *ImportController) Stage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, c.opts.MaxUploadBytes)

	var in importer.StageInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var err error
		if in, err = c.readUpload(r); err != nil {
			_ = WriteError(w, http.StatusBadRequest, "invalid_upload", err.Error(), nil)
			return
		}
	} else {
		var req stageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = WriteError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		if err := c.validate.Struct(req); err != nil {
			_ = WriteError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		in = importer.StageInput{BatchID: req.BatchID, Source: req.Source, Rows: req.Rows}
	}

	res, err := c.engine.StageRows(context.WithoutCancel(r.Context()), in)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	_ = WriteJSON(w, http.StatusCreated, res)
}

func (c *ImportController) readUpload(r *http.Request) (importer.StageInput, error) {
	if err := r.ParseMultipartForm(c.opts.MaxUploadBytes); err != nil {
		return importer.StageInput{}, err
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		return importer.StageInput{}, err
	}
	defer file.Close()

	// The sheet readers pick a format by extension, so keep it on the temp copy.
	tmp, err := os.CreateTemp("", "timetable-upload-*"+strings.ToLower(filepath.Ext(hdr.Filename)))
	if err != nil {
		return importer.StageInput{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		_ = tmp.Close()
		return importer.StageInput{}, err
	}
	if err := tmp.Close(); err != nil {
		return importer.StageInput{}, err
	}

	rows, err := sheet.ReadFile(tmp.Name(), c.opts.Sheet)
	if err != nil {
		return importer.StageInput{}, err
	}
	in := importer.StageInput{Source: filepath.Base(hdr.Filename), Rows: rows}
	if v := r.FormValue("batch_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil || id == 0 {
			return importer.StageInput{}, errInvalidBatchID
		}
		bid := uint(id)
		in.BatchID = &bid
	}
	return in, nil
}

func (c *ImportController) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		_ = WriteError(w, http.StatusBadRequest, "invalid_id", "invalid batch id", nil)
		return
	}
	limit, ok := queryLimit(r, c.opts.PreviewLimit)
	if !ok {
		_ = WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", nil)
		return
	}
	p, err := c.engine.Preview(r.Context(), id, limit)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, p)
}

func (c *ImportController) Commit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		_ = WriteError(w, http.StatusBadRequest, "invalid_id", "invalid batch id", nil)
		return
	}
	res, err := c.engine.Commit(context.WithoutCancel(r.Context()), id)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, res)
}

func (c *ImportController) Discard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		_ = WriteError(w, http.StatusBadRequest, "invalid_id", "invalid batch id", nil)
		return
	}
	res, err := c.engine.Discard(context.WithoutCancel(r.Context()), id)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, res)
}

func (c *ImportController) Rollback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		_ = WriteError(w, http.StatusBadRequest, "invalid_id", "invalid run id", nil)
		return
	}
	res, err := c.engine.Rollback(context.WithoutCancel(r.Context()), id)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, res)
}

func (c *ImportController) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, c.opts.HistoryLimit)
	if !ok {
		_ = WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", nil)
		return
	}
	h, err := c.engine.History(r.Context(), limit)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, h)
}

func (c *ImportController) Health(w http.ResponseWriter, r *http.Request) {
	if err := c.engine.Ping(r.Context()); err != nil {
		_ = WriteError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
