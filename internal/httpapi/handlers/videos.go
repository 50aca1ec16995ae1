package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"videoflow/internal/httpkit"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/ports"
)

const maxUploadBytes = 512 << 20

// UploadVideo stores a multipart "file" under uploads/ and, when the form
// field start is true, starts ProcessVideo for it.
func (h *Handler) UploadVideo(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return errors.Validation("invalid multipart form")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return errors.ValidationField("file", "file is required")
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if ext == "" {
		ext = guessExt(contentType)
		if ext == "" {
			ext = ".bin"
		}
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	out, err := h.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   fmt.Sprintf("uploads/%s%s", h.newUploadKey(), ext),
		ContentType: contentType,
		Reader:      file,
		Size:        header.Size,
	})
	if err != nil {
		return errors.Wrap(err, "handlers.UploadVideo", "storage put failed")
	}
	h.log.FromContext(ctx).Info("video uploaded", "location", out.ObjectKey, "size", out.Size)

	start, _ := strconv.ParseBool(r.FormValue("start"))
	if !start {
		httpkit.WriteJSON(w, http.StatusCreated, map[string]any{
			"location":    out.ObjectKey,
			"provider":    h.sp.Provider(),
			"contentType": contentType,
			"size":        out.Size,
		})
		return nil
	}

	id, err := h.start(r, out.ObjectKey)
	if err != nil {
		return err
	}
	h.writeStarted(w, r, id)
	return nil
}

// ArtifactURL returns a time-limited URL for an artifact.
func (h *Handler) ArtifactURL(w http.ResponseWriter, r *http.Request) error {
	key := chi.URLParam(r, "*")
	if key == "" {
		return errors.ValidationField("key", "artifact key is required")
	}
	expires := 15 * time.Minute
	if raw := r.URL.Query().Get("expiresIn"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return errors.ValidationField("expiresIn", "expiresIn must be a positive duration")
		}
		expires = d
	}

	out, err := h.sp.GetSignedURL(r.Context(), key, expires)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"key":       key,
		"url":       out.URL,
		"expiresAt": out.ExpiresAt,
	})
	return nil
}

// ArtifactContent streams an artifact.
func (h *Handler) ArtifactContent(w http.ResponseWriter, r *http.Request) error {
	key := chi.URLParam(r, "*")
	if key == "" {
		return errors.ValidationField("key", "artifact key is required")
	}
	rc, contentType, size, err := h.sp.GetObject(r.Context(), key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
	return nil
}

func guessExt(contentType string) string {
	if contentType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

func newUploadKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
