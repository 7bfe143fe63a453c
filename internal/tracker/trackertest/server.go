// Package trackertest provides an in-process fake of the tracking service
// for tests. It enforces the same upload contract as the real service.
package trackertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"

	"memtracker/pkg/api"

	"github.com/gorilla/mux"
)

// Server is a fake tracking service backed by gorilla/mux.
type Server struct {
	*httptest.Server

	// Token, when set, is required as a bearer token on writes.
	// Registration lookups are public, as on the real service.
	Token string

	mu           sync.Mutex
	binaries     map[string]api.Binary
	environments map[string]api.Environment
	uploads      []api.UploadRunRequest
	failures     []api.MemrayFailureReport
	runs         map[string]bool
	requestIDs   []string
}

// New starts a fake service. Callers must Close it.
func New(token string) *Server {
	s := &Server{
		Token:        token,
		binaries:     make(map[string]api.Binary),
		environments: make(map[string]api.Environment),
		runs:         make(map[string]bool),
	}

	r := mux.NewRouter()
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(s.auth)
	apiRouter.HandleFunc("/binaries", s.listBinaries).Methods(http.MethodGet)
	apiRouter.HandleFunc("/binaries/{id}", s.getBinary).Methods(http.MethodGet)
	apiRouter.HandleFunc("/environments", s.listEnvironments).Methods(http.MethodGet)
	apiRouter.HandleFunc("/environments/{id}", s.getEnvironment).Methods(http.MethodGet)
	apiRouter.HandleFunc("/upload-run", s.uploadRun).Methods(http.MethodPost)
	apiRouter.HandleFunc("/report-memray-failure", s.reportFailure).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// AddBinary registers a binary.
func (s *Server) AddBinary(b api.Binary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binaries[b.ID] = b
}

// AddEnvironment registers an environment.
func (s *Server) AddEnvironment(e api.Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.environments[e.ID] = e
}

// Uploads returns every accepted upload.
func (s *Server) Uploads() []api.UploadRunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.uploads)
}

// Failures returns every recorded memray failure report.
func (s *Server) Failures() []api.MemrayFailureReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failures)
}

// RequestIDs returns the X-Request-ID headers seen, in arrival order.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requestIDs)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			s.mu.Lock()
			s.requestIDs = append(s.requestIDs, id)
			s.mu.Unlock()
		}
		if r.Method != http.MethodGet && s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			httpError(w, "Invalid or missing token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listBinaries(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]api.Binary, 0, len(s.binaries))
	for _, b := range s.binaries {
		out = append(out, b)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b api.Binary) int { return strings.Compare(a.ID, b.ID) })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getBinary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	b, ok := s.binaries[id]
	s.mu.Unlock()
	if !ok {
		httpError(w, fmt.Sprintf("Binary '%s' not found", id), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]api.Environment, 0, len(s.environments))
	for _, e := range s.environments {
		out = append(out, e)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b api.Environment) int { return strings.Compare(a.ID, b.ID) })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getEnvironment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	e, ok := s.environments[id]
	s.mu.Unlock()
	if !ok {
		httpError(w, fmt.Sprintf("Environment '%s' not found", id), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) uploadRun(w http.ResponseWriter, r *http.Request) {
	var req api.UploadRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var meta api.Metadata
	if err := json.Unmarshal(req.Metadata, &meta); err != nil || meta.Commit.Hexsha == "" {
		httpError(w, "Missing commit SHA in metadata", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	binary, ok := s.binaries[req.BinaryID]
	if !ok {
		httpError(w, fmt.Sprintf("Binary '%s' not found. Binaries must be pre-registered.", req.BinaryID), http.StatusBadRequest)
		return
	}
	if _, ok := s.environments[req.EnvironmentID]; !ok {
		httpError(w, fmt.Sprintf("Environment '%s' not found. Environments must be pre-registered.", req.EnvironmentID), http.StatusBadRequest)
		return
	}

	uploaded := ConfigureFlags(meta.ConfigArgs())
	if missing := MissingFlags(binary.Flags, uploaded); len(missing) > 0 {
		httpError(w, fmt.Sprintf(
			"Binary '%s' requires configure flags %v but upload only has %v. Registered configure flags must be a subset of upload configure flags.",
			req.BinaryID, binary.Flags, uploaded), http.StatusBadRequest)
		return
	}

	key := meta.Commit.Hexsha + "/" + req.BinaryID + "/" + req.EnvironmentID
	if s.runs[key] {
		httpError(w, fmt.Sprintf("Run for commit %s with binary '%s' and environment '%s' already exists",
			meta.Commit.Hexsha, req.BinaryID, req.EnvironmentID), http.StatusConflict)
		return
	}
	s.runs[key] = true
	s.uploads = append(s.uploads, req)

	ids := make([]api.ResultID, len(req.BenchmarkResults))
	for i := range req.BenchmarkResults {
		ids[i] = api.ResultID(fmt.Sprintf("%d", len(s.uploads)*1000+i))
	}

	short := meta.Commit.Hexsha
	if len(short) > 8 {
		short = short[:8]
	}
	respondJSON(w, http.StatusOK, api.UploadRunResponse{
		Message:        "Worker run uploaded successfully",
		RunID:          fmt.Sprintf("run_%s_%s_%s_%d", short, req.BinaryID, req.EnvironmentID, len(s.uploads)),
		CommitSHA:      meta.Commit.Hexsha,
		BinaryID:       req.BinaryID,
		EnvironmentID:  req.EnvironmentID,
		ResultsCreated: len(ids),
		ResultIDs:      ids,
	})
}

func (s *Server) reportFailure(w http.ResponseWriter, r *http.Request) {
	var report api.MemrayFailureReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.failures = append(s.failures, report)
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]string{"message": "Memray failure reported successfully"})
}

// ConfigureFlags extracts the "--" prefixed flags from a CONFIG_ARGS string,
// stripping surrounding quotes.
func ConfigureFlags(configArgs string) []string {
	var out []string
	for _, f := range strings.Fields(configArgs) {
		f = strings.Trim(f, `'"`)
		if strings.HasPrefix(f, "--") {
			out = append(out, f)
		}
	}
	return out
}

// MissingFlags returns the registered flags absent from uploaded.
func MissingFlags(registered, uploaded []string) []string {
	var missing []string
	for _, f := range registered {
		f = strings.Trim(strings.TrimSpace(f), `'"`)
		if !slices.Contains(uploaded, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func httpError(w http.ResponseWriter, detail string, code int) {
	respondJSON(w, code, api.NewErrorResponse(detail))
}
