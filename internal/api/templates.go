// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/schema"
)

func (api *RestApi) createDeviceTemplate(rw http.ResponseWriter, r *http.Request) {
	req := devices.CreateDeviceTemplateReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Devices.CreateDeviceTemplate(&req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) listDeviceTemplates(rw http.ResponseWriter, r *http.Request) {
	data, err := api.Devices.ListDeviceTemplates()
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: len(data), Data: data})
}

func (api *RestApi) deleteDeviceTemplate(rw http.ResponseWriter, r *http.Request) {
	if err := api.Devices.DeleteDeviceTemplate(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) createTemplateSourceSink(rw http.ResponseWriter, r *http.Request) {
	req := schema.CreateUpdateSourceSinkReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Devices.CreateTemplateSourceSink(mux.Vars(r)["id"], kindVar(r), &req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) listTemplateSourceSinks(rw http.ResponseWriter, r *http.Request) {
	data, err := api.Devices.ListTemplateSourceSinks(mux.Vars(r)["id"], kindVar(r))
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: len(data), Data: data})
}

func (api *RestApi) createSourceSinkTemplate(rw http.ResponseWriter, r *http.Request) {
	req := devices.CreateSourceSinkTemplateReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Devices.CreateSourceSinkTemplate(&req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) listSourceSinkTemplates(rw http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	kind := repository.KindSource
	if values.Get("kind") == "sink" {
		kind = repository.KindSink
	}
	data, err := api.Devices.ListSourceSinkTemplates(values.Get("device_type"), kind)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: len(data), Data: data})
}

func (api *RestApi) deleteSourceSinkTemplate(rw http.ResponseWriter, r *http.Request) {
	if err := api.Devices.DeleteSourceSinkTemplate(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}
