package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/api"
	"github.com/Onegaishimas/bin2nlp/internal/uploads"
	"github.com/Onegaishimas/bin2nlp/types"
)

// =============================================================================
// 📤 上传 Handler
// =============================================================================

// UploadHandler stages binary uploads and issues upload:// references.
type UploadHandler struct {
	store    *uploads.Store
	maxBytes int64
	logger   *zap.Logger
}

// NewUploadHandler builds the handler. maxBytes bounds one upload body.
func NewUploadHandler(store *uploads.Store, maxBytes int64, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{store: store, maxBytes: maxBytes, logger: logger}
}

// HandleUpload 处理 POST /upload。
//
// The body is either raw binary content (filename from the X-Filename
// header or ?filename= query parameter) or a multipart form with a single
// "file" part. Either way the staged content is hashed, format-tagged, and
// answered with an opaque upload:// reference.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	filename, body, cleanup, err := h.openBody(r)
	if err != nil {
		writeAppError(w, err, h.logger)
		return
	}
	defer cleanup()

	filename = sanitizeFilename(filename)
	if filename == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			"filename is required (X-Filename header, ?filename= parameter, or multipart field name)", h.logger)
		return
	}

	staged, err := h.store.Save(r.Context(), filename, body)
	if err != nil {
		// MaxBytesReader surfaces as a read error from Save; report it as
		// the size-limit validation failure it actually is.
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
				"file exceeds the configured size limit", h.logger)
			return
		}
		writeAppError(w, err, h.logger)
		return
	}

	resp := api.UploadResponse{
		FileReference:    staged.Ref,
		Filename:         staged.File.Filename,
		SizeBytes:        staged.File.SizeBytes,
		FormatTag:        staged.File.Format,
		FormatConfidence: staged.Detection.Confidence,
	}
	if staged.Detection.LowConfidence() {
		resp.Warning = "low-confidence"
	}
	WriteSuccess(w, resp)
}

// openBody resolves the upload content and filename from either a raw body
// or a multipart form.
func (h *UploadHandler) openBody(r *http.Request) (string, io.Reader, func(), error) {
	noop := func() {}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		filename := r.Header.Get("X-Filename")
		if filename == "" {
			filename = r.URL.Query().Get("filename")
		}
		return filename, r.Body, noop, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, noop, types.NewError(types.ErrValidation, "malformed multipart body").WithCause(err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, noop, types.NewError(types.ErrValidation, "malformed multipart body").WithCause(err)
		}
		if part.FormName() == "file" {
			return part.FileName(), part, func() { part.Close() }, nil
		}
		part.Close()
	}
	return "", nil, noop, types.NewError(types.ErrValidation, `multipart body must carry a "file" part`)
}

// sanitizeFilename strips any path components from a client-supplied name.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// writeAppError writes err as the standard envelope, translating bare
// errors to a safe internal error rather than leaking their text.
func writeAppError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var appErr *types.Error
	if errors.As(err, &appErr) {
		WriteError(w, appErr, logger)
		return
	}
	if logger != nil {
		logger.Error("unclassified handler error", zap.Error(err))
	}
	WriteError(w, types.NewError(types.ErrInternal, "internal error"), logger)
}
