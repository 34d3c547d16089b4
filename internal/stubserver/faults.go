package stubserver

import (
	"net/http"
	"sync"
)

type fault struct {
	status  int
	message string
	// drop closes the connection without answering.
	drop bool
}

// faults lets tests make a route misbehave until ClearFaults is called.
// Faults persist so transport-level retries see the same outcome.
type faults struct {
	mu     sync.Mutex
	byPath map[string]fault
}

func (f *faults) set(path string, ft fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byPath == nil {
		f.byPath = make(map[string]fault)
	}
	f.byPath[path] = ft
}

func (f *faults) clear() {
	f.mu.Lock()
	f.byPath = nil
	f.mu.Unlock()
}

func (f *faults) lookup(path string) (fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.byPath[path]
	return ft, ok
}

// wrap must be the outermost handler so the raw connection can be hijacked.
func (f *faults) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ft, ok := f.lookup(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if ft.drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			panic(http.ErrAbortHandler)
		}
		respondWithError(w, ft.status, ft.message)
	})
}

// FailWith makes every request to path answer status with message.
func (s *Server) FailWith(path string, status int, message string) {
	s.faults.set(path, fault{status: status, message: message})
}

// Drop makes every request to path lose its connection with no response.
func (s *Server) Drop(path string) {
	s.faults.set(path, fault{drop: true})
}

func (s *Server) ClearFaults() {
	s.faults.clear()
}
