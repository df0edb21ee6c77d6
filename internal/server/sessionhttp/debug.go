package sessionhttp

import (
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/gorilla/mux"
)

// WithPprof exposes the net/http/pprof handlers under /debug/pprof/.
func WithPprof(enabled bool) Option {
	return func(s *Server) {
		s.pprofEnabled = enabled
	}
}

func (s *Server) registerDebug(router *mux.Router) {
	router.HandleFunc("/debug/runtime", s.handleRuntimeInfo).Methods("GET")

	if !s.pprofEnabled {
		return
	}
	debug := router.PathPrefix("/debug/pprof").Subrouter()
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	// Index serves the named profiles (heap, goroutine, block, mutex).
	debug.PathPrefix("/").HandlerFunc(pprof.Index)
}

// handleRuntimeInfo handles GET /debug/runtime
func (s *Server) handleRuntimeInfo(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"go_version":     runtime.Version(),
		"go_os":          runtime.GOOS,
		"go_arch":        runtime.GOARCH,
		"num_cpu":        runtime.NumCPU(),
		"num_goroutine":  runtime.NumGoroutine(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"pprof":          s.pprofEnabled,
		"memory": map[string]interface{}{
			"alloc_mb":          float64(mem.Alloc) / 1024 / 1024,
			"sys_mb":            float64(mem.Sys) / 1024 / 1024,
			"heap_inuse_mb":     float64(mem.HeapInuse) / 1024 / 1024,
			"heap_objects":      mem.HeapObjects,
			"num_gc":            mem.NumGC,
			"gc_pause_total_ms": float64(mem.PauseTotalNs) / 1e6,
		},
	})
}
