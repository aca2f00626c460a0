package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/api"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
	"github.com/Onegaishimas/bin2nlp/types"
)

// =============================================================================
// 🔌 LLM Provider Handler
// =============================================================================

// ProvidersHandler exposes the selector's registry as the read-only
// provider inspection surface. Nothing here mutates provider config;
// registration is a startup-only operation.
type ProvidersHandler struct {
	selector *selector.Selector
	logger   *zap.Logger
}

// NewProvidersHandler builds the handler.
func NewProvidersHandler(sel *selector.Selector, logger *zap.Logger) *ProvidersHandler {
	return &ProvidersHandler{selector: sel, logger: logger}
}

// HandleList 处理 GET /llm-providers。
func (h *ProvidersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.selector.Snapshot()
	out := make([]api.ProviderSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, summarize(snap))
	}
	WriteSuccess(w, api.ProviderListResponse{Providers: out})
}

// HandleGet 处理 GET /llm-providers/{id}。
func (h *ProvidersHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.find(r.PathValue("id"))
	if !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "unknown provider"), h.logger)
		return
	}
	WriteSuccess(w, api.ProviderDetailResponse{
		ProviderSummary: summarize(snap),
		Stats:           snap.Stats,
		LastError:       snap.LastError,
	})
}

// HandleHealthCheck 处理 POST /llm-providers/{id}/health-check：
// 强制一次探测（绕过 5 分钟探测间隔）并返回探测后的健康状态。
func (h *ProvidersHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.find(id); !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "unknown provider"), h.logger)
		return
	}
	h.selector.ForceProbe(r.Context(), id)
	snap, ok := h.find(id)
	if !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "unknown provider"), h.logger)
		return
	}
	WriteSuccess(w, api.ProviderHealthCheckResponse{
		ID:     snap.ID,
		Health: snap.Health,
	})
}

func (h *ProvidersHandler) find(id string) (selector.ProviderSnapshot, bool) {
	for _, snap := range h.selector.Snapshot() {
		if snap.ID == id {
			return snap, true
		}
	}
	return selector.ProviderSnapshot{}, false
}

func summarize(snap selector.ProviderSnapshot) api.ProviderSummary {
	return api.ProviderSummary{
		ID:           snap.ID,
		Kind:         snap.Kind,
		CircuitState: snap.CircuitState,
		Health:       snap.Health,
		SuccessRate:  snap.Stats.SuccessRate(),
	}
}
