// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quickmsg/halia/internal/rule"
)

func (api *RestApi) createRule(rw http.ResponseWriter, r *http.Request) {
	req := rule.CreateUpdateRuleReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Rules.Create(&req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) searchRules(rw http.ResponseWriter, r *http.Request) {
	q, p := parseQuery(r)
	total, data, err := api.Rules.Search(q, p)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: total, Data: data})
}

func (api *RestApi) ruleSummary(rw http.ResponseWriter, r *http.Request) {
	summary, err := api.Rules.Summary()
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, summary)
}

func (api *RestApi) readRule(rw http.ResponseWriter, r *http.Request) {
	resp, err := api.Rules.Read(mux.Vars(r)["id"])
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (api *RestApi) updateRule(rw http.ResponseWriter, r *http.Request) {
	req := rule.CreateUpdateRuleReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	if err := api.Rules.Update(mux.Vars(r)["id"], &req); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) deleteRule(rw http.ResponseWriter, r *http.Request) {
	if err := api.Rules.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) startRule(rw http.ResponseWriter, r *http.Request) {
	if err := api.Rules.Start(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) stopRule(rw http.ResponseWriter, r *http.Request) {
	if err := api.Rules.Stop(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) readDataboard(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mb := rule.ReadDataboard(vars["id"], vars["dataId"])
	if mb == nil {
		writeJSON(rw, http.StatusOK, nil)
		return
	}
	writeJSON(rw, http.StatusOK, mb)
}
