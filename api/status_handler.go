package api

import "net/http"

// status reports the dispatcher snapshot: worker count, per-tenant
// activity, and remaining global capacity.
func (a *API) status(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.dispatcher.Status())
}
