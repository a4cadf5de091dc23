package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cast"

	"github.com/monsterxx03/tracer/pkg/proc"
)

type Server struct {
	port    int
	svc     *Service
	mux     *http.ServeMux
	timeout time.Duration
}

func NewServer(port int, svc *Service) *Server {
	s := &Server{
		port:    port,
		svc:     svc,
		mux:     http.NewServeMux(),
		timeout: 10 * time.Second,
	}
	s.mux.HandleFunc("/processes", s.handleProcesses)
	s.mux.HandleFunc("/threads", s.handleThreads)
	s.mux.HandleFunc("/modules", s.handleModules)
	s.mux.HandleFunc("/maps", s.handleMaps)
	s.mux.HandleFunc("/breakpoints", s.handleBreakpoints)
	s.mux.HandleFunc("/memory", s.handleMemory)
	s.mux.HandleFunc("/export", s.handleExport)
	s.mux.HandleFunc("/attach", s.handleAttach)
	s.mux.HandleFunc("/detach", s.handleDetach)
	s.mux.HandleFunc("/break", s.handleBreak)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: s.mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.svc.log.WithField("port", s.port).Info("http api listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *Server) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r)
	defer cancel()
	if r.URL.Query().Has("pid") {
		pid, err := getPID(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		info, err := s.svc.Process(ctx, pid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
		return
	}
	procs, err := s.svc.Processes(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, procs)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()
	threads, err := s.svc.Threads(ctx, pid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, threads)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()
	modules, err := s.svc.Modules(ctx, pid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, modules)
}

func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()
	areas, err := s.svc.Maps(ctx, pid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, areas)
}

// handleBreakpoints lists on GET, sets on POST with a JSON
// BreakpointRequest body and removes ?id= on DELETE.
func (s *Server) handleBreakpoints(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		bps, err := s.svc.Breakpoints(ctx, pid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, bps)
	case http.MethodPost:
		var req BreakpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
		bp, err := s.svc.SetBreakpoint(ctx, pid, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, bp)
	case http.MethodDelete:
		id, err := cast.ToUint64E(r.URL.Query().Get("id"))
		if err != nil || id == 0 {
			http.Error(w, "id parameter is required", http.StatusBadRequest)
			return
		}
		if err := s.svc.RemoveBreakpoint(ctx, pid, id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	addr, err := ParseAddress(q.Get("addr"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	if q.Get("string") != "" {
		str, err := s.svc.ReadString(ctx, pid, addr)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"address": hexAddr(addr), "string": str})
		return
	}
	size := 64
	if v := q.Get("size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil {
			http.Error(w, fmt.Sprintf("invalid size %q", v), http.StatusBadRequest)
			return
		}
	}
	mem, err := s.svc.ReadMemory(ctx, pid, addr, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, mem)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name parameter is required", http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()
	addr, err := s.svc.Export(ctx, pid, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"name": name, "address": hexAddr(addr)})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var opts proc.Options
	if cast.ToBool(r.URL.Query().Get("second_chance")) {
		opts |= proc.OptionSecondChance
	}
	ctx, cancel := s.context(r)
	defer cancel()
	h, err := s.svc.Attach(ctx, pid, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"handle": h.String()})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()
	if err := s.svc.Detach(ctx, pid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()
	if err := s.svc.Break(ctx, pid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func getPID(r *http.Request) (int, error) {
	pidStr := r.URL.Query().Get("pid")
	if pidStr == "" {
		return 0, fmt.Errorf("pid parameter is required")
	}
	return strconv.Atoi(pidStr)
}

// ParseAddress accepts decimal and 0x prefixed hexadecimal addresses.
func ParseAddress(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("address is required")
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// statusCode maps engine error kinds onto HTTP statuses.
func statusCode(err error) int {
	var perr *proc.Error
	if !errors.As(err, &perr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch perr.Kind {
	case proc.KindNotFound:
		return http.StatusNotFound
	case proc.KindAlreadyExists:
		return http.StatusConflict
	case proc.KindInvalidArgument, proc.KindInvalidHandle:
		return http.StatusBadRequest
	case proc.KindNotAttached:
		return http.StatusConflict
	case proc.KindUnsupported:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusCode(err))
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n'))
}
