package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// HealthServer exposes /healthz and /readyz endpoints. Readiness is tracked
// per component (one per flow); the server is ready once at least one
// component is registered and all of them are ready.
type HealthServer struct {
	mu         sync.RWMutex
	components map[string]bool
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{components: make(map[string]bool)}
}

// SetReady records the readiness of a component. Safe on a nil server.
func (h *HealthServer) SetReady(component string, ready bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[component] = ready
}

// Remove forgets a component.
func (h *HealthServer) Remove(component string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.components, component)
}

// Ready reports overall readiness.
func (h *HealthServer) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.components) == 0 {
		return false
	}
	for _, ok := range h.components {
		if !ok {
			return false
		}
	}
	return true
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status   string   `json:"status"`
	NotReady []string `json:"notReady,omitempty"`
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	var pending []string
	for name, ok := range h.components {
		if !ok {
			pending = append(pending, name)
		}
	}
	empty := len(h.components) == 0
	h.mu.RUnlock()
	sort.Strings(pending)

	w.Header().Set("Content-Type", "application/json")
	if empty || len(pending) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(readyResponse{Status: "not ready", NotReady: pending})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(readyResponse{Status: "ready"})
}
