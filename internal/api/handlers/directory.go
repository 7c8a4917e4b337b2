// directory.go — обработчики /api/v1/directory endpoints:
// состояние интеграции с Keycloak и принудительная обработка очереди.
package handlers

import (
	"net/http"
)

// GetDirectoryStatus — GET /api/v1/directory/status.
// Недоступность Keycloak отражается в теле ответа, статус всегда 200.
func (h *APIHandler) GetDirectoryStatus(w http.ResponseWriter, r *http.Request) {
	st := h.directory.GetStatus(r.Context())

	writeJSON(w, http.StatusOK, directoryStatusResponse{
		Available:        st.Available,
		Error:            st.Error,
		URL:              st.URL,
		Realm:            st.Realm,
		RealmDisplayName: st.RealmDisplayName,
		UsersCount:       st.UsersCount,
		LastDrainAt:      st.LastDrainAt,
		Outbox: outboxStatsResponse{
			Pending:         st.Outbox.Pending,
			Failed:          st.Outbox.Failed,
			OldestPendingAt: st.Outbox.OldestPendingAt,
		},
	})
}

// DrainDirectoryOutbox — POST /api/v1/directory/drain.
func (h *APIHandler) DrainDirectoryOutbox(w http.ResponseWriter, r *http.Request) {
	res, err := h.directory.Drain(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "обработка очереди изменений")
		return
	}

	writeJSON(w, http.StatusOK, drainResultResponse{
		Claimed:     res.Claimed,
		Delivered:   res.Delivered,
		Retried:     res.Retried,
		Failed:      res.Failed,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	})
}
