// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quickmsg/halia/internal/apps"
	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/schema"
)

func (api *RestApi) createApp(rw http.ResponseWriter, r *http.Request) {
	req := apps.CreateAppReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Apps.Create(&req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) searchApps(rw http.ResponseWriter, r *http.Request) {
	q, p := parseQuery(r)
	total, data, err := api.Apps.Search(q, p)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: total, Data: data})
}

func (api *RestApi) appSummary(rw http.ResponseWriter, r *http.Request) {
	summary, err := api.Apps.Summary()
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, summary)
}

func (api *RestApi) readApp(rw http.ResponseWriter, r *http.Request) {
	resp, err := api.Apps.Read(mux.Vars(r)["id"])
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (api *RestApi) updateApp(rw http.ResponseWriter, r *http.Request) {
	req := apps.UpdateAppReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	if err := api.Apps.Update(mux.Vars(r)["id"], &req); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) deleteApp(rw http.ResponseWriter, r *http.Request) {
	if err := api.Apps.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) startApp(rw http.ResponseWriter, r *http.Request) {
	if err := api.Apps.Start(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) stopApp(rw http.ResponseWriter, r *http.Request) {
	if err := api.Apps.Stop(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func kindVar(r *http.Request) repository.Kind {
	if mux.Vars(r)["kind"] == "sink" {
		return repository.KindSink
	}
	return repository.KindSource
}

func (api *RestApi) createAppSourceSink(rw http.ResponseWriter, r *http.Request) {
	req := schema.CreateUpdateSourceSinkReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Apps.CreateSourceSink(mux.Vars(r)["id"], kindVar(r), &req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) listAppSourceSinks(rw http.ResponseWriter, r *http.Request) {
	data, err := api.Apps.ListSourceSinks(mux.Vars(r)["id"], kindVar(r))
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: len(data), Data: data})
}

func (api *RestApi) updateAppSourceSink(rw http.ResponseWriter, r *http.Request) {
	req := schema.CreateUpdateSourceSinkReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	vars := mux.Vars(r)
	if err := api.Apps.UpdateSourceSink(vars["id"], vars["childId"], kindVar(r), &req); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) deleteAppSourceSink(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := api.Apps.DeleteSourceSink(vars["id"], vars["childId"], kindVar(r)); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}
