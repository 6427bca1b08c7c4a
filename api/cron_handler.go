package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) listCron(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.eng.Scheduler().Entries())
}

// triggerCron enqueues an entry now, outside its schedule.
func (a *API) triggerCron(w http.ResponseWriter, r *http.Request) {
	j, err := a.eng.Scheduler().Trigger(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, NewJobView(j))
}
