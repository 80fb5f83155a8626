// Package imagestore materializes detection images on disk and serves them back.
//
// All file access goes through an os.Root opened on the upload directory, so
// names derived from client input can never escape it.
package imagestore

import (
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/skywatch/internal/detection"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// maxStemLength caps the client supplied part of upload names
	maxStemLength = 64
)

var (
	dataURIPrefix = regexp.MustCompile(`^data:([\w/+.-]+);base64,`)
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Store writes images below a root directory, partitioned by detection kind.
type Store struct {
	dir       string
	root      *os.Root
	urlPrefix string
	now       func() time.Time
	newID     func() string
	log       logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for filename prefixes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator sets the random token generator for filenames.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens (creating if needed) the upload directory. References returned by
// the store start with urlPrefix.
func New(dir, urlPrefix string, opts ...Option) (*Store, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("dir", dir).
			Build()
	}

	if err := os.MkdirAll(absDir, dirPerm); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("operation", "create-upload-dir").
			Context("dir", absDir).
			Build()
	}

	root, err := os.OpenRoot(absDir)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("operation", "open-upload-root").
			Context("dir", absDir).
			Build()
	}

	s := &Store{
		dir:       absDir,
		root:      root,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("imagestore")
	}

	return s, nil
}

// Dir returns the absolute upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// URLPrefix returns the root-relative prefix of every reference.
func (s *Store) URLPrefix() string {
	return s.urlPrefix
}

// Close releases the directory handle.
func (s *Store) Close() error {
	return s.root.Close()
}

// EnsureDir creates the directory for kind. Concurrent callers racing on the
// first creation all succeed.
func (s *Store) EnsureDir(kind detection.Kind) error {
	if err := s.root.MkdirAll(string(kind), dirPerm); err != nil && !errors.Is(err, fs.ErrExist) {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("operation", "create-kind-dir").
			Context("kind", string(kind)).
			Build()
	}
	return nil
}

// SaveStream stores an uploaded file as <millis>-<sanitized name><ext> and
// returns its reference. An empty upload stores nothing and returns "".
func (s *Store) SaveStream(kind detection.Kind, filename string, r io.Reader) (string, error) {
	if err := s.EnsureDir(kind); err != nil {
		return "", err
	}

	stem, ext := splitName(filename)
	millis := strconv.FormatInt(s.now().UnixMilli(), 10)

	name := millis + "-" + stem + ext
	f, err := s.create(kind, name)
	if errors.Is(err, fs.ErrExist) {
		// Same millisecond and same client name; add a token
		name = millis + "-" + s.newID() + "-" + stem + ext
		f, err = s.create(kind, name)
	}
	if err != nil {
		return "", s.writeError(err, kind, name)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.removeQuietly(kind, name)
		return "", s.writeError(err, kind, name)
	}

	if n == 0 {
		s.removeQuietly(kind, name)
		s.log.Warn("empty upload ignored", logger.String("kind", string(kind)), logger.String("filename", filename))
		return "", nil
	}

	return s.verify(kind, name, n)
}

// SaveDataURI decodes a base64 image, optionally prefixed data:<mime>;base64,
// and stores it as <millis>-<uuid>.<ext>. Undecodable or empty input is not an
// error: it logs a warning and returns "".
func (s *Store) SaveDataURI(kind detection.Kind, encoded string) (string, error) {
	mimeType := ""
	if m := dataURIPrefix.FindStringSubmatch(encoded); m != nil {
		mimeType = m[1]
		encoded = encoded[len(m[0]):]
	}

	data, ok := decodeBase64(encoded)
	if !ok {
		s.log.Warn("discarding undecodable base64 image",
			logger.String("kind", string(kind)),
			logger.String("mime", mimeType),
			logger.Int("encoded_length", len(encoded)))
		return "", nil
	}

	if err := s.EnsureDir(kind); err != nil {
		return "", err
	}

	name := strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + s.newID() + "." + extensionForMIME(mimeType)
	if err := s.root.WriteFile(path.Join(string(kind), name), data, filePerm); err != nil {
		s.removeQuietly(kind, name)
		return "", s.writeError(err, kind, name)
	}

	return s.verify(kind, name, int64(len(data)))
}

// Remove deletes the blob behind ref. Used to roll back an image whose
// record could not be stored.
func (s *Store) Remove(ref string) error {
	rel, ok := s.relPath(ref)
	if !ok {
		return errors.Newf("reference %q is outside %s", ref, s.urlPrefix).
			Category(errors.CategoryValidation).
			Build()
	}
	if err := s.root.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("operation", "remove-image").
			Build()
	}
	return nil
}

// Open opens the blob behind a path relative to the upload directory.
func (s *Store) Open(rel string) (*os.File, error) {
	return s.root.Open(rel)
}

func (s *Store) create(kind detection.Kind, name string) (*os.File, error) {
	return s.root.OpenFile(path.Join(string(kind), name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
}

// verify confirms the written file exists before a reference is handed out
func (s *Store) verify(kind detection.Kind, name string, written int64) (string, error) {
	info, err := s.root.Stat(path.Join(string(kind), name))
	if err != nil {
		return "", s.writeError(err, kind, name)
	}
	if info.Size() != written {
		s.removeQuietly(kind, name)
		return "", s.writeError(fmt.Errorf("short write: %d of %d bytes", info.Size(), written), kind, name)
	}

	ref := path.Join(s.urlPrefix, string(kind), name)
	s.log.Debug("image stored",
		logger.String("ref", ref),
		logger.Int64("bytes", written))
	return ref, nil
}

func (s *Store) relPath(ref string) (string, bool) {
	prefix := s.urlPrefix + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(ref, prefix)
	if rel == "" || !fs.ValidPath(rel) {
		return "", false
	}
	return rel, true
}

func (s *Store) removeQuietly(kind detection.Kind, name string) {
	if err := s.root.Remove(path.Join(string(kind), name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("failed to remove partial image", logger.String("name", name), logger.Error(err))
	}
}

func (s *Store) writeError(err error, kind detection.Kind, name string) error {
	return errors.New(err).
		Category(errors.CategoryFileIO).
		Context("operation", "write-image").
		Context("kind", string(kind)).
		Context("name", name).
		Build()
}

// splitName reduces a client filename to a safe stem and lower-case extension.
func splitName(filename string) (stem, ext string) {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if base == "." || base == "/" {
		base = ""
	}

	ext = strings.ToLower(path.Ext(base))
	if unsafeChars.MatchString(ext[min(1, len(ext)):]) {
		ext = ""
	}
	stem = strings.TrimSuffix(base, path.Ext(base))
	stem = strings.Trim(unsafeChars.ReplaceAllString(stem, "_"), "._")
	if len(stem) > maxStemLength {
		stem = stem[:maxStemLength]
	}
	if stem == "" {
		stem = "upload"
	}
	return stem, ext
}

func decodeBase64(encoded string) ([]byte, bool) {
	encoded = strings.Join(strings.Fields(encoded), "")
	if encoded == "" {
		return nil, false
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// extensionForMIME maps the declared image type to a file extension.
// Unknown or missing types are stored as png.
func extensionForMIME(mimeType string) string {
	subtype := strings.ToLower(mimeType)
	if i := strings.LastIndex(subtype, "/"); i >= 0 {
		subtype = subtype[i+1:]
	}

	switch subtype {
	case "jpeg", "jpg", "pjpeg":
		return "jpg"
	case "png", "gif", "bmp":
		return subtype
	case "x-ms-bmp":
		return "bmp"
	default:
		return "png"
	}
}
