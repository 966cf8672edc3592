package blobstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
)

// UploadHook is called after a file has been stored.
type UploadHook func(ctx context.Context, obj Object, fileName, contentType string)

// Handler exposes validation, upload and download over HTTP.
type Handler struct {
	store    Store
	policy   Policy
	onUpload UploadHook
}

// NewHandler creates a Handler. onUpload may be nil.
func NewHandler(store Store, policy Policy, onUpload UploadHook) *Handler {
	return &Handler{store: store, policy: policy, onUpload: onUpload}
}

// RegisterRoutes mounts the file routes on a practice-scoped group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/files/validate", h.handleValidate)
	g.POST("/files", h.handleUpload)
	g.GET("/files/*", h.handleGet)
}

type validateRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleValidate(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := Validate(req.Name, req.ContentType, req.Size, nil, h.policy); err != nil {
		return c.JSON(http.StatusOK, validateResponse{Valid: false, Reason: err.Error()})
	}
	return c.JSON(http.StatusOK, validateResponse{Valid: true})
}

type uploadResponse struct {
	Object
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

func (h *Handler) handleUpload(c echo.Context) error {
	practice, err := db.RequirePractice(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	category := c.FormValue("category")
	if category == "" {
		category = "document"
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if ct, ok := h.policy.ContentTypeFor(filepath.Ext(file.Filename)); ok {
			contentType = ct
		}
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	br := bufio.NewReaderSize(src, SniffLen)
	head, _ := br.Peek(SniffLen)
	if head == nil {
		head = []byte{}
	}
	if err := Validate(file.Filename, contentType, file.Size, head, h.policy); err != nil {
		return validationHTTPError(err)
	}

	key, err := NewKey(practice.Slug, category, filepath.Ext(file.Filename))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	obj, err := h.store.Put(c.Request().Context(), key, br)
	if err != nil {
		return validationHTTPError(err)
	}

	if h.onUpload != nil {
		h.onUpload(c.Request().Context(), obj, file.Filename, contentType)
	}
	return c.JSON(http.StatusCreated, uploadResponse{Object: obj, FileName: file.Filename, ContentType: contentType})
}

func (h *Handler) handleGet(c echo.Context) error {
	key := c.Param("*")
	if err := ValidateKey(key); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	practice, err := db.RequirePractice(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if KeyPractice(key) != practice.Slug {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}

	rc, obj, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return err
	}
	defer rc.Close()

	ct, ok := h.policy.ContentTypeFor(filepath.Ext(key))
	if !ok {
		ct = "application/octet-stream"
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, filepath.Base(key)))
	c.Response().Header().Set("Content-Length", fmt.Sprint(obj.Size))
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	return c.Stream(http.StatusOK, ct, rc)
}

func validationHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrInvalidContentType), errors.Is(err, ErrContentMismatch):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ErrEmptyFile), errors.Is(err, ErrExtensionMismatch),
		errors.Is(err, ErrInvalidFileName), errors.Is(err, ErrInvalidKey), errors.Is(err, ErrInvalidCategory):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
