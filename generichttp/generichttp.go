// Package generichttp defines interfaces for generic devices
// and the plumbing to wrap them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a pair of an HTTP method and a URL path
type MethodPath struct {
	// Method is an HTTP verb, http.MethodGet and friends
	Method string

	// Path is the URL below the mount point, beginning with a slash
	Path string
}

// RouteTable maps method-path pairs to the functions serving them
type RouteTable map[MethodPath]http.HandlerFunc

// Bind attaches the routes in the table to a chi router
func (rt RouteTable) Bind(r chi.Router) {
	for mp, handler := range rt {
		r.Method(mp.Method, mp.Path, handler)
	}
}

// Endpoints returns the sorted, deduplicated URLs in the table
func (rt RouteTable) Endpoints() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(rt))
	for mp := range rt {
		if _, ok := seen[mp.Path]; ok {
			continue
		}
		seen[mp.Path] = struct{}{}
		out = append(out, mp.Path)
	}
	sort.Strings(out)
	return out
}

// HTTPer is an object which can yield a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a user supplied endpoint into a valid mount
// pattern, with a leading slash and no trailing one
func SubMuxSanitize(str string) string {
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	for len(str) > 1 && strings.HasSuffix(str, "/") {
		str = strings.TrimSuffix(str, "/")
	}
	return str
}

// FloatT is a struct with a single field, F64, for JSON of shape {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single field, Int, for JSON of shape {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single field, Str, for JSON of shape {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single field, Bool, for JSON of shape {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload holds any of the basic payload types, with a type tag
// saying which is live
type HumanPayload struct {
	// Bool holds a boolean
	Bool bool

	// Float holds a float
	Float float64

	// Int holds an int
	Int int

	// String holds a string
	String string

	// T distinguishes which of the above is live
	T types.BasicKind
}

// EncodeAndRespond writes the payload to w as JSON of shape
// {"<tag>": value} with the Content-Type header set
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	switch hp.T {
	case types.Bool:
		err = json.NewEncoder(w).Encode(BoolT{Bool: hp.Bool})
	case types.Float64:
		err = json.NewEncoder(w).Encode(FloatT{F64: hp.Float})
	case types.Int:
		err = json.NewEncoder(w).Encode(IntT{Int: hp.Int})
	case types.String:
		err = json.NewEncoder(w).Encode(StrT{Str: hp.String})
	default:
		http.Error(w, fmt.Sprintf("payload type %v not supported", hp.T), http.StatusInternalServerError)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(f.F64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := IntT{}
		err := json.NewDecoder(r.Body).Decode(&i)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(i.Int)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// SetString parses a JSON input of {'str': value} and
// calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(s.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
