// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/pkg/schema"
)

func (api *RestApi) createDevice(rw http.ResponseWriter, r *http.Request) {
	req := devices.CreateDeviceReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Devices.Create(&req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) searchDevices(rw http.ResponseWriter, r *http.Request) {
	q, p := parseQuery(r)
	total, data, err := api.Devices.Search(q, p)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: total, Data: data})
}

func (api *RestApi) deviceSummary(rw http.ResponseWriter, r *http.Request) {
	summary, err := api.Devices.Summary()
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, summary)
}

func (api *RestApi) readDevice(rw http.ResponseWriter, r *http.Request) {
	resp, err := api.Devices.Read(mux.Vars(r)["id"])
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (api *RestApi) updateDevice(rw http.ResponseWriter, r *http.Request) {
	req := devices.UpdateDeviceReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	if err := api.Devices.Update(mux.Vars(r)["id"], &req); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) deleteDevice(rw http.ResponseWriter, r *http.Request) {
	if err := api.Devices.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) startDevice(rw http.ResponseWriter, r *http.Request) {
	if err := api.Devices.Start(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) stopDevice(rw http.ResponseWriter, r *http.Request) {
	if err := api.Devices.Stop(mux.Vars(r)["id"]); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) createDeviceSourceSink(rw http.ResponseWriter, r *http.Request) {
	req := schema.CreateUpdateSourceSinkReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	id, err := api.Devices.CreateSourceSink(mux.Vars(r)["id"], kindVar(r), &req)
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusCreated, CreatedResponse{ID: id})
}

func (api *RestApi) listDeviceSourceSinks(rw http.ResponseWriter, r *http.Request) {
	data, err := api.Devices.ListSourceSinks(mux.Vars(r)["id"], kindVar(r))
	if err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, PagedResponse{Total: len(data), Data: data})
}

func (api *RestApi) updateDeviceSourceSink(rw http.ResponseWriter, r *http.Request) {
	req := schema.CreateUpdateSourceSinkReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	vars := mux.Vars(r)
	if err := api.Devices.UpdateSourceSink(vars["id"], vars["childId"], kindVar(r), &req); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) deleteDeviceSourceSink(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := api.Devices.DeleteSourceSink(vars["id"], vars["childId"], kindVar(r)); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (api *RestApi) writeSourceValue(rw http.ResponseWriter, r *http.Request) {
	req := schema.WriteValueReq{}
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	vars := mux.Vars(r)
	if err := api.Devices.WriteSourceValue(vars["id"], vars["childId"], req.Value); err != nil {
		writeError(err, rw)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}
