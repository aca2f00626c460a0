// Package uploads stages binary content on local disk between the upload
// endpoint and the job worker. A staged file is addressed by an opaque
// `upload://{id}` reference; the worker resolves the reference back to a
// path, hash, and detected format when the job is dispatched.
package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/internal/formatdetect"
	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/types"
)

// RefScheme is the prefix of every file reference this store issues.
const RefScheme = "upload://"

// sniffLen bounds how much of the head of a file the format detector sees.
const sniffLen = 512

// Staged describes one staged upload: the job-facing FileRef plus the
// detection outcome the upload response reports.
type Staged struct {
	Ref       string              `json:"ref"`
	File      jobs.FileRef        `json:"file"`
	Detection formatdetect.Result `json:"detection"`
}

// Store writes uploads under a single base directory, one content file and
// one metadata sidecar per id.
type Store struct {
	baseDir  string
	maxBytes int64
	logger   *zap.Logger
}

// NewStore builds a Store rooted at baseDir, creating it if needed.
// maxBytes bounds a single upload; content exceeding it is rejected with a
// validation error before anything is retained.
func NewStore(baseDir string, maxBytes int64, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("uploads: creating base directory: %w", err)
	}
	return &Store{
		baseDir:  baseDir,
		maxBytes: maxBytes,
		logger:   logger.With(zap.String("component", "uploads")),
	}, nil
}

func (s *Store) contentPath(id string) string {
	return filepath.Join(s.baseDir, id+".bin")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

// Save streams body to disk, hashing and format-tagging it along the way.
// The returned Staged carries the `upload://` reference, the sha256 hash in
// the service's algorithm:hex form, and the detection result.
func (s *Store) Save(ctx context.Context, filename string, body io.Reader) (*Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()

	f, err := os.OpenFile(s.contentPath(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("uploads: staging file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	head := make([]byte, 0, sniffLen)
	var written int64

	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if s.maxBytes > 0 && written > s.maxBytes {
				s.discard(id)
				return nil, types.NewError(types.ErrValidation,
					fmt.Sprintf("file exceeds the %d byte size limit", s.maxBytes))
			}
			if len(head) < sniffLen {
				take := sniffLen - len(head)
				if take > n {
					take = n
				}
				head = append(head, buf[:take]...)
			}
			hasher.Write(buf[:n])
			if _, err := f.Write(buf[:n]); err != nil {
				s.discard(id)
				return nil, fmt.Errorf("uploads: writing staged content: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.discard(id)
			return nil, fmt.Errorf("uploads: reading upload body: %w", readErr)
		}
	}
	if written == 0 {
		s.discard(id)
		return nil, types.NewError(types.ErrValidation, "uploaded file is empty")
	}

	detection := formatdetect.Detect(head)
	staged := &Staged{
		Ref: RefScheme + id,
		File: jobs.FileRef{
			StoragePath: s.contentPath(id),
			FileHash:    "sha256:" + hex.EncodeToString(hasher.Sum(nil)),
			Filename:    filename,
			Format:      string(detection.Tag),
			SizeBytes:   written,
		},
		Detection: detection,
	}

	meta, err := json.Marshal(staged)
	if err != nil {
		s.discard(id)
		return nil, fmt.Errorf("uploads: encoding metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(id), meta, 0o600); err != nil {
		s.discard(id)
		return nil, fmt.Errorf("uploads: writing metadata: %w", err)
	}

	s.logger.Info("upload staged",
		zap.String("ref", staged.Ref),
		zap.String("format", staged.File.Format),
		zap.Int64("size_bytes", written))
	return staged, nil
}

// Resolve maps an `upload://` reference back to its staged metadata. An
// unknown or malformed reference yields a validation / not_found error the
// admission path surfaces directly.
func (s *Store) Resolve(ref string) (*Staged, error) {
	id, ok := ParseRef(ref)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "file_reference must have the form upload://{id}")
	}
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.ErrNotFound, "unknown file reference")
		}
		return nil, fmt.Errorf("uploads: reading metadata: %w", err)
	}
	var staged Staged
	if err := json.Unmarshal(data, &staged); err != nil {
		return nil, fmt.Errorf("uploads: decoding metadata: %w", err)
	}
	return &staged, nil
}

// Delete removes a staged upload's content and metadata. Missing files are
// not an error so cleanup after a completed job is idempotent.
func (s *Store) Delete(ref string) error {
	id, ok := ParseRef(ref)
	if !ok {
		return types.NewError(types.ErrValidation, "file_reference must have the form upload://{id}")
	}
	s.discard(id)
	return nil
}

func (s *Store) discard(id string) {
	_ = os.Remove(s.contentPath(id))
	_ = os.Remove(s.metaPath(id))
}

// ParseRef splits an `upload://{id}` reference, reporting whether it is
// well-formed. The id must be a bare path element; anything containing a
// separator is rejected so a reference can never escape the base directory.
func ParseRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, RefScheme) {
		return "", false
	}
	id := strings.TrimPrefix(ref, RefScheme)
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return "", false
	}
	return id, true
}
