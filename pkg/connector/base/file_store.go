package base

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
)

// DataDefSuffix is the suffix of the data definition sidecar of a table.
const DataDefSuffix = ".datadef.yaml"

// DataDef is the on-disk data definition of a file table.
type DataDef struct {
	Table   string        `yaml:"table"`
	Columns []core.Column `yaml:"columns"`
}

// tableLocks holds one lock per table file path, shared by every store of
// the process, so a data file and its definition switch together.
var tableLocks sync.Map

// FileStore maps tables onto files in one directory: <table><ext>[.<codec>]
// for data and <table>.datadef.yaml for the data definition.
type FileStore struct {
	dir         string
	ext         string
	compression compression.Algorithm
	createDirs  bool
}

// NewFileStore creates a store for files ending in ext (e.g. ".csv").
func NewFileStore(dir, ext string, algo compression.Algorithm, createDirs bool) *FileStore {
	return &FileStore{dir: dir, ext: ext, compression: algo, createDirs: createDirs}
}

// Dir returns the store directory
func (s *FileStore) Dir() string { return s.dir }

// Init checks the directory, creating it when allowed.
func (s *FileStore) Init() error {
	info, err := os.Stat(s.dir)
	switch {
	case err == nil && !info.IsDir():
		return errors.Newf(errors.ErrorTypeConfig, "%s is not a directory", s.dir)
	case err == nil:
		return nil
	case os.IsNotExist(err) && s.createDirs:
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnector, "creating data directory")
		}
		return nil
	case os.IsNotExist(err):
		return errors.Newf(errors.ErrorTypeNotFound, "data directory %s does not exist", s.dir)
	default:
		return ClassifyError(err, "checking data directory")
	}
}

// DataPath is where a table is written with the configured compression.
func (s *FileStore) DataPath(table string) string {
	return filepath.Join(s.dir, table+s.ext+compression.Extension(s.compression))
}

// DefPath is the data definition sidecar of a table.
func (s *FileStore) DefPath(table string) string {
	return filepath.Join(s.dir, table+DataDefSuffix)
}

// locate finds the data file of a table whatever its compression.
func (s *FileStore) locate(table string) (string, compression.Algorithm, bool) {
	preferred := s.DataPath(table)
	if _, err := os.Stat(preferred); err == nil {
		return preferred, s.compression, true
	}
	for _, algo := range []compression.Algorithm{compression.None, compression.Gzip, compression.Zstd, compression.LZ4, compression.Snappy, compression.S2} {
		p := filepath.Join(s.dir, table+s.ext+compression.Extension(algo))
		if _, err := os.Stat(p); err == nil {
			return p, algo, true
		}
	}
	return "", "", false
}

// Exists reports whether the table has a data file.
func (s *FileStore) Exists(table string) bool {
	_, _, ok := s.locate(table)
	return ok
}

// Tables lists table names matching filter, sorted.
func (s *FileStore) Tables(filter core.Filter) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ClassifyError(err, "listing data directory")
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		_, base := compression.FromPath(e.Name())
		if !strings.HasSuffix(base, s.ext) {
			continue
		}
		name := strings.TrimSuffix(base, s.ext)
		if name == "" || seen[name] || !MatchTable(filter, name) {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadDef reads the data definition sidecar. ok is false when there is none.
func (s *FileStore) LoadDef(table string) (*core.Schema, bool, error) {
	data, err := os.ReadFile(s.DefPath(table))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ClassifyError(err, "reading data definition")
	}
	var def DataDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "parsing data definition of "+table)
	}
	return core.NewSchema(def.Columns...), true, nil
}

// SaveDef writes the data definition sidecar atomically.
func (s *FileStore) SaveDef(table string, schema *core.Schema) error {
	tmp, err := s.writeDefTemp(table, schema)
	if err != nil {
		return err
	}
	mu := s.lock(table)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Rename(tmp, s.DefPath(table)); err != nil {
		os.Remove(tmp)
		return ClassifyError(err, "writing data definition")
	}
	return nil
}

func (s *FileStore) writeDefTemp(table string, schema *core.Schema) (string, error) {
	data, err := yaml.Marshal(DataDef{Table: table, Columns: schema.Columns})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "encoding data definition")
	}
	return s.writeTemp("."+table+"-def-*.tmp", data)
}

func (s *FileStore) writeTemp(pattern string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return "", ClassifyError(err, "writing data definition")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", ClassifyError(err, "writing data definition")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", ClassifyError(err, "writing data definition")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", ClassifyError(err, "writing data definition")
	}
	return tmp.Name(), nil
}

func (s *FileStore) lock(table string) *sync.RWMutex {
	key := filepath.Join(s.dir, table)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	mu, _ := tableLocks.LoadOrStore(key, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// ReadLock holds off commits of the table until the returned func is
// called. Readers take it while they pair a data definition with the data
// file it describes.
func (s *FileStore) ReadLock(table string) func() {
	mu := s.lock(table)
	mu.RLock()
	return mu.RUnlock
}

// OpenRead opens the decompressed content of a table.
func (s *FileStore) OpenRead(table string) (io.ReadCloser, error) {
	p, algo, ok := s.locate(table)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s not found in %s", table, s.dir)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, ClassifyError(err, "opening "+p)
	}
	r, err := compression.NewReader(bufio.NewReader(f), algo)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnector, "opening decompressor")
	}
	return &fileReader{ReadCloser: r, file: f}, nil
}

type fileReader struct {
	io.ReadCloser
	file *os.File
}

func (r *fileReader) Close() error {
	err := r.ReadCloser.Close()
	if ferr := r.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// Create starts a new version of a table in a temp file next to it. With
// keepExisting the current content is copied in first and Existing reports
// whether there was any. Nothing is visible until Commit.
func (s *FileStore) Create(table string, keepExisting bool) (*FileSink, error) {
	tmp, err := os.CreateTemp(s.dir, "."+table+"-*.tmp")
	if err != nil {
		return nil, ClassifyError(err, "creating temp file")
	}
	buf := bufio.NewWriter(tmp)
	w, err := compression.NewWriter(buf, s.compression, compression.Default)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "opening compressor")
	}
	sink := &FileSink{store: s, table: table, tmp: tmp, buf: buf, w: w}

	if keepExisting && s.Exists(table) {
		r, err := s.OpenRead(table)
		if err != nil {
			sink.Abort()
			return nil, err
		}
		_, err = io.Copy(w, r)
		r.Close()
		if err != nil {
			sink.Abort()
			return nil, ClassifyError(err, "copying existing content of "+table)
		}
		sink.Existing = true
	}
	return sink, nil
}

// FileSink is an uncommitted table version.
type FileSink struct {
	// Existing is true when previous content was carried over
	Existing bool

	store *FileStore
	table string
	tmp   *os.File
	buf   *bufio.Writer
	w     io.WriteCloser
	done  bool
}

// Write appends bytes to the new version.
func (f *FileSink) Write(p []byte) (int, error) { return f.w.Write(p) }

// Commit flushes the new version and renames it over the table. With a
// non-nil def the data definition is switched under the same table lock,
// and put back if the data cannot be switched.
func (f *FileSink) Commit(def *core.Schema) error {
	if f.done {
		return nil
	}
	f.done = true
	if err := f.w.Close(); err != nil {
		return f.fail(err)
	}
	if err := f.buf.Flush(); err != nil {
		return f.fail(err)
	}
	if err := f.tmp.Sync(); err != nil {
		return f.fail(err)
	}
	if err := f.tmp.Close(); err != nil {
		os.Remove(f.tmp.Name())
		return ClassifyError(err, "closing "+f.table)
	}
	var defTmp string
	if def != nil {
		p, err := f.store.writeDefTemp(f.table, def)
		if err != nil {
			os.Remove(f.tmp.Name())
			return err
		}
		defTmp = p
	}

	mu := f.store.lock(f.table)
	mu.Lock()
	defer mu.Unlock()
	return f.store.swap(f.table, f.tmp.Name(), defTmp)
}

// swap moves a new data file, and its definition when defTmp is set, into
// place. The caller holds the table lock.
func (s *FileStore) swap(table, dataTmp, defTmp string) error {
	defPath := s.DefPath(table)
	var oldDef []byte
	hadDef := false
	if defTmp != "" {
		b, err := os.ReadFile(defPath)
		switch {
		case err == nil:
			oldDef, hadDef = b, true
		case !os.IsNotExist(err):
			os.Remove(dataTmp)
			os.Remove(defTmp)
			return ClassifyError(err, "reading data definition")
		}
		if err := os.Rename(defTmp, defPath); err != nil {
			os.Remove(dataTmp)
			os.Remove(defTmp)
			return ClassifyError(err, "replacing data definition of "+table)
		}
	}

	old, _, hadOld := s.locate(table)
	target := s.DataPath(table)
	if err := os.Rename(dataTmp, target); err != nil {
		os.Remove(dataTmp)
		if defTmp != "" {
			s.restoreDef(table, oldDef, hadDef)
		}
		return ClassifyError(err, "replacing "+table)
	}
	if hadOld && old != target {
		os.Remove(old)
	}
	return nil
}

// restoreDef puts back the definition that was current before a failed
// switch. Best effort: the switch error is what the caller reports.
func (s *FileStore) restoreDef(table string, data []byte, existed bool) {
	if !existed {
		os.Remove(s.DefPath(table))
		return
	}
	tmp, err := s.writeTemp("."+table+"-def-*.tmp", data)
	if err != nil {
		return
	}
	if err := os.Rename(tmp, s.DefPath(table)); err != nil {
		os.Remove(tmp)
	}
}

func (f *FileSink) fail(err error) error {
	f.tmp.Close()
	os.Remove(f.tmp.Name())
	return ClassifyError(err, "writing "+f.table)
}

// Abort discards the new version.
func (f *FileSink) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	f.w.Close()
	f.tmp.Close()
	return os.Remove(f.tmp.Name())
}
