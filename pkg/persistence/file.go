package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/dschat/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	LatestFileName         = "latest.json"
	ArchiveDirName         = "archive"
	DefaultArchiveTemplate = `{{ .Time | date "2006-01-02" }}_{{ .FirstMessage | runes 32 }}.json`
	untitled               = "untitled"
)

// ArchiveData is the data available to archive name templates.
type ArchiveData struct {
	Time         time.Time
	FirstMessage string
}

// FileStore keeps the latest transcript as a JSON file and archives
// previous ones next to it.
type FileStore struct {
	dir             string
	latestName      string
	archiveTemplate *template.Template
	now             func() time.Time
}

var _ Writer = (*FileStore)(nil)

type FileStoreOption func(*FileStore) error

// WithArchiveTemplate sets the text/template used to name archived transcripts.
// Sprig functions are available, plus `runes n s` which keeps the first n characters of s.
func WithArchiveTemplate(tpl string) FileStoreOption {
	return func(f *FileStore) error {
		t, err := parseArchiveTemplate(tpl)
		if err != nil {
			return err
		}
		f.archiveTemplate = t
		return nil
	}
}

func WithClock(now func() time.Time) FileStoreOption {
	return func(f *FileStore) error {
		f.now = now
		return nil
	}
}

func NewFileStore(dir string, options ...FileStoreOption) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("transcript directory is empty")
	}
	tpl, err := parseArchiveTemplate(DefaultArchiveTemplate)
	if err != nil {
		return nil, err
	}
	ret := &FileStore{
		dir:             dir,
		latestName:      LatestFileName,
		archiveTemplate: tpl,
		now:             time.Now,
	}
	for _, o := range options {
		if err := o(ret); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func parseArchiveTemplate(tpl string) (*template.Template, error) {
	funcs := sprig.TxtFuncMap()
	funcs["runes"] = truncateRunes
	t, err := template.New("archive").Funcs(funcs).Parse(tpl)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse archive name template")
	}
	return t, nil
}

func truncateRunes(n int, s string) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (f *FileStore) Location() string {
	return filepath.Join(f.dir, f.latestName)
}

func (f *FileStore) ArchiveDir() string {
	return filepath.Join(f.dir, ArchiveDirName)
}

// Flush replaces the latest transcript file. The file is written next to its
// destination and renamed, so readers never see a partial file.
func (f *FileStore) Flush(_ context.Context, t *transcript.Transcript) error {
	if t == nil {
		t = transcript.New()
	}
	path := f.Location()

	b, err := encodeTurns(t.Turns())
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	if err := writeFileAtomic(path, b); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}

	log.Debug().Str("path", path).Int("turns", t.Len()).Msg("Flushed transcript")
	return nil
}

// Load reads the latest transcript. A missing or empty file is an empty transcript.
func (f *FileStore) Load(_ context.Context) (*transcript.Transcript, error) {
	path := f.Location()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return transcript.New(), nil
		}
		return nil, &PersistenceError{Path: path, Err: errors.Wrap(err, "could not read transcript")}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return transcript.New(), nil
	}

	var turns []transcript.Turn
	if err := json.Unmarshal(b, &turns); err != nil {
		return nil, &PersistenceError{Path: path, Err: errors.Wrap(err, "could not decode transcript")}
	}
	t, err := transcript.FromTurns(turns)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: errors.Wrap(err, "invalid transcript")}
	}
	return t, nil
}

// Archive moves the latest transcript into the archive directory and leaves
// an empty latest file behind. It returns the archive path, or "" when there
// was nothing to archive.
func (f *FileStore) Archive(ctx context.Context) (string, error) {
	t, err := f.Load(ctx)
	if err != nil {
		return "", err
	}

	archived := ""
	if t.Len() > 0 {
		name, err := f.archiveName(t.FirstUserMessage())
		if err != nil {
			return "", &PersistenceError{Path: f.ArchiveDir(), Err: err}
		}
		if err := os.MkdirAll(f.ArchiveDir(), 0o700); err != nil {
			return "", &PersistenceError{Path: f.ArchiveDir(), Err: errors.Wrap(err, "could not create archive directory")}
		}
		archived = uniquePath(filepath.Join(f.ArchiveDir(), name))
		if err := os.Rename(f.Location(), archived); err != nil {
			return "", &PersistenceError{Path: archived, Err: errors.Wrap(err, "could not archive transcript")}
		}
		log.Info().Str("from", f.Location()).Str("to", archived).Msg("Archived transcript")
	}

	if err := f.Flush(ctx, transcript.New()); err != nil {
		return archived, err
	}
	return archived, nil
}

func (f *FileStore) archiveName(firstMessage string) (string, error) {
	if firstMessage == "" {
		firstMessage = untitled
	}
	var buf bytes.Buffer
	err := f.archiveTemplate.Execute(&buf, ArchiveData{
		Time:         f.now(),
		FirstMessage: firstMessage,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not render archive name")
	}
	name := sanitizeFileName(buf.String())
	if name == "" || name == "." || name == ".." {
		return "", errors.Errorf("archive name template rendered an invalid name %q", buf.String())
	}
	return name, nil
}

func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// encodeTurns renders turns as a 4-space indented JSON array, keeping
// non-ASCII text and HTML characters verbatim.
func encodeTurns(turns []transcript.Turn) ([]byte, error) {
	if turns == nil {
		turns = []transcript.Turn{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(turns); err != nil {
		return nil, errors.Wrap(err, "could not encode transcript")
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "could not create transcript directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "could not create temporary file")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "could not write temporary file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "could not sync temporary file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "could not close temporary file")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return errors.Wrap(err, "could not set transcript permissions")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "could not replace transcript")
	}
	return nil
}
