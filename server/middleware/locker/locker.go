// Package locker provides an HTTP middleware which allows a device's
// routes to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/nasa-jpl/spectrolab/generichttp"
)

// ManipulableLock can be locked and unlocked in code as well as over
// HTTP, and bounces requests while locked when used as a middleware
type ManipulableLock interface {
	// Lock the lock
	Lock()

	// Unlock the lock
	Unlock()

	// Locked returns true if the lock is locked
	Locked() bool

	// Check is a middleware returning 423 for protected routes while
	// locked
	Check(http.Handler) http.Handler

	// HTTPGet returns the lock state over HTTP
	HTTPGet(w http.ResponseWriter, r *http.Request)

	// HTTPSet sets the lock state over HTTP
	HTTPSet(w http.ResponseWriter, r *http.Request)
}

// Inject adds GET and POST /lock routes to an HTTPer which manipulate
// the lock
func Inject(other generichttp.HTTPer, l ManipulableLock) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the
// blocking, and holds a list of URL substrings to not protect
type Locker struct {
	mu       sync.Mutex
	isLocked bool

	// DoNotProtect is a list of path substrings the lock does not
	// apply to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked
}

// Check is an HTTP middleware that returns http.StatusLocked if
// Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
