/*Package settings persists spectrometer configuration as a pair of JSON
documents, default and current, merged at read time with current taking
precedence.

The merge is recursive; when both documents hold a nested mapping at the
same key the two merge key by key, otherwise the current value replaces
the default.  Writes are atomic, temp file then rename, so a crash mid
write cannot corrupt either document.  Persistence failures degrade,
never crash; the in-memory tree keeps serving reads and the returned
error reports what was lost.
*/
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/maps"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
)

const (
	// DefaultFileName is the name of the default settings document
	DefaultFileName = "default_settings.json"

	// CurrentFileName is the name of the current settings document
	CurrentFileName = "current_settings.json"
)

// PersistenceError describes a failed read, parse, or write of a
// settings document.  The in-memory tree is unaffected by these
type PersistenceError struct {
	// Path is the file involved
	Path string

	// Op is the operation that failed
	Op string

	// Err is the underlying error
	Err error
}

// Error satisfies the error interface
func (e PersistenceError) Error() string {
	return fmt.Sprintf("settings: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e PersistenceError) Unwrap() error {
	return e.Err
}

// Defaults returns the factory settings tree used to seed a missing
// default document
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"camera": map[string]interface{}{
			"exposure_ms": 100.0,
			"gain":        0,
			"roi": map[string]interface{}{
				"start_x": 0,
				"start_y": 0,
				"width":   0,
				"height":  100,
				"binning": 1,
			},
		},
		"calibration": map[string]interface{}{
			"wavelength_coefficients": []interface{}{400.0, 0.5},
			"laser_wavelength":        445.0,
		},
		"processing": map[string]interface{}{
			"readout_mode":        "average",
			"baseline_correction": "none",
			"polynomial_degree":   4,
		},
		"spectrometer": map[string]interface{}{
			"subtract_dark": false,
		},
		"display": map[string]interface{}{
			"mode":         "wavelength",
			"pixels_range": nil,
		},
		"server": map[string]interface{}{
			"host":  "0.0.0.0",
			"port":  8000,
			"debug": false,
		},
	}
}

// Store holds the default and current documents and a merged view of
// the two.  It is safe for concurrent use
type Store struct {
	mu     sync.Mutex
	dir    string
	def    map[string]interface{}
	cur    map[string]interface{}
	merged *koanf.Koanf
}

// New opens the store rooted at dir, creating the directory and either
// document when missing.  A missing default is seeded with factory
// values and a missing current as a copy of the default.  The returned
// Store is always usable; a non-nil error is a PersistenceError
// describing degraded persistence, with reads served from fallbacks
func New(dir string) (*Store, error) {
	s := &Store{dir: dir}
	var firstErr error
	record := func(err error) {
		if firstErr == nil && err != nil {
			firstErr = err
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		record(PersistenceError{Path: dir, Op: "mkdir", Err: err})
	}

	defPath := s.defPath()
	if _, err := os.Stat(defPath); errors.Is(err, fs.ErrNotExist) {
		s.def = Defaults()
		record(s.saveLocked(defPath, s.def))
	} else if doc, err := loadDoc(defPath); err != nil {
		s.def = Defaults()
		record(PersistenceError{Path: defPath, Op: "load", Err: err})
	} else {
		s.def = doc
	}

	curPath := s.curPath()
	if _, err := os.Stat(curPath); errors.Is(err, fs.ErrNotExist) {
		s.cur = maps.Copy(s.def)
		record(s.saveLocked(curPath, s.cur))
	} else if doc, err := loadDoc(curPath); err != nil {
		s.cur = maps.Copy(s.def)
		record(PersistenceError{Path: curPath, Op: "load", Err: err})
	} else {
		s.cur = doc
	}

	migrateLegacy(s.def)
	migrateLegacy(s.cur)
	s.rebuild()
	return s, firstErr
}

// loadDoc parses one JSON document into a nested tree
func loadDoc(path string) (map[string]interface{}, error) {
	k := koanf.New(".")
	err := k.Load(file.Provider(path), kjson.Parser())
	if err != nil {
		return nil, err
	}
	return k.Raw(), nil
}

// migrateLegacy rewrites the retired spectrometer.use_max flag as the
// processing.readout_mode enum.  An explicit readout_mode in the same
// document wins over the flag
func migrateLegacy(doc map[string]interface{}) {
	sp, ok := doc["spectrometer"].(map[string]interface{})
	if !ok {
		return
	}
	useMax, ok := sp["use_max"]
	if !ok {
		return
	}
	delete(sp, "use_max")
	proc, ok := doc["processing"].(map[string]interface{})
	if !ok {
		proc = map[string]interface{}{}
		doc["processing"] = proc
	}
	if _, ok := proc["readout_mode"]; ok {
		return
	}
	mode := "average"
	if b, ok := useMax.(bool); ok && b {
		mode = "maximum"
	}
	proc["readout_mode"] = mode
}

func (s *Store) defPath() string {
	return filepath.Join(s.dir, DefaultFileName)
}

func (s *Store) curPath() string {
	return filepath.Join(s.dir, CurrentFileName)
}

// rebuild recomputes the merged view.  mu must be held
func (s *Store) rebuild() {
	k := koanf.New(".")
	k.Load(confmap.Provider(s.def, ""), nil)
	k.Load(confmap.Provider(s.cur, ""), nil)
	s.merged = k
}

// Get returns the value at a dot separated path through the merged
// tree, or fallback when any segment is absent
func (s *Store) Get(path string, fallback interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.merged.Exists(path) {
		return fallback
	}
	return s.merged.Get(path)
}

// Float64 reads a float at path, or fallback when absent
func (s *Store) Float64(path string, fallback float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.merged.Exists(path) {
		return fallback
	}
	return s.merged.Float64(path)
}

// Int reads an integer at path, or fallback when absent
func (s *Store) Int(path string, fallback int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.merged.Exists(path) {
		return fallback
	}
	return s.merged.Int(path)
}

// String reads a string at path, or fallback when absent
func (s *Store) String(path string, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.merged.Exists(path) {
		return fallback
	}
	return s.merged.String(path)
}

// Bool reads a boolean at path, or fallback when absent
func (s *Store) Bool(path string, fallback bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.merged.Exists(path) {
		return fallback
	}
	return s.merged.Bool(path)
}

// Float64s reads a float slice at path, or fallback when absent
func (s *Store) Float64s(path string, fallback []float64) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.merged.Exists(path) {
		return fallback
	}
	return s.merged.Float64s(path)
}

// Ints reads an integer slice at path, or fallback when absent
func (s *Store) Ints(path string, fallback []int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.merged.Exists(path) {
		return fallback
	}
	return s.merged.Ints(path)
}

// Snapshot returns a deep copy of the merged settings tree
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merged.Raw()
}

// apply deep merges partial into the current document under category;
// an empty category merges at the root.  mu must be held
func (s *Store) apply(category string, partial map[string]interface{}) {
	p := maps.Copy(partial)
	if category != "" {
		p = map[string]interface{}{category: p}
	}
	maps.Merge(p, s.cur)
}

// commitLocked folds the merged view into the current document and
// persists it.  mu must be held
func (s *Store) commitLocked() error {
	s.rebuild()
	s.cur = s.merged.Raw()
	return s.saveLocked(s.curPath(), s.cur)
}

// Update deep merges partial into the current document under the given
// category and persists the full merged tree as current.  The in-memory
// state always updates; a PersistenceError reports a failed write
// without undoing it
func (s *Store) Update(category string, partial map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(category, partial)
	return s.commitLocked()
}

// Batch applies several updates with a single persist at the end.  The
// callback works on a Batch whose Update mutates memory only; the full
// merged tree is written once when the callback returns
func (s *Store) Batch(fn func(*Batch)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Batch{s: s})
	return s.commitLocked()
}

// Batch collects updates for a single commit; see Store.Batch
type Batch struct {
	s *Store
}

// Update deep merges partial into the current document under category
// without persisting
func (b *Batch) Update(category string, partial map[string]interface{}) {
	b.s.apply(category, partial)
}

// PromoteToDefault overwrites the default document with the full
// merged tree, so a hand edited partial current document promotes the
// values it does not mention too.  There is no undo; callers should
// require explicit operator intent before invoking it
func (s *Store) PromoteToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = s.merged.Raw()
	s.rebuild()
	return s.saveLocked(s.defPath(), s.def)
}

// ResetToDefaults discards current overrides, reseeding current as a
// copy of the default document
func (s *Store) ResetToDefaults() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = maps.Copy(s.def)
	s.rebuild()
	return s.saveLocked(s.curPath(), s.cur)
}

// saveLocked writes doc as indented JSON through a temp file and
// rename, so a crash mid write cannot corrupt the document
func (s *Store) saveLocked(path string, doc map[string]interface{}) error {
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return PersistenceError{Path: path, Op: "encode", Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*")
	if err != nil {
		return PersistenceError{Path: path, Op: "write", Err: err}
	}
	_, err = tmp.Write(buf)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return PersistenceError{Path: path, Op: "write", Err: err}
	}
	return nil
}
