// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api mounts the REST control surface: resource CRUD, start/stop,
// summaries and paginated filtered listing.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/quickmsg/halia/internal/apps"
	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/internal/rule"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

type RestApi struct {
	Devices *devices.Manager
	Apps    *apps.Manager
	Rules   *rule.Manager
}

func New() *RestApi {
	return &RestApi{
		Devices: devices.GetManager(),
		Apps:    apps.GetManager(),
		Rules:   rule.GetManager(),
	}
}

func (api *RestApi) MountRoutes(r *mux.Router) {
	r = r.PathPrefix("/api").Subrouter()
	r.StrictSlash(true)

	// apps
	r.HandleFunc("/app", api.createApp).Methods(http.MethodPost)
	r.HandleFunc("/app", api.searchApps).Methods(http.MethodGet)
	r.HandleFunc("/app/summary", api.appSummary).Methods(http.MethodGet)
	r.HandleFunc("/app/{id}", api.readApp).Methods(http.MethodGet)
	r.HandleFunc("/app/{id}", api.updateApp).Methods(http.MethodPut)
	r.HandleFunc("/app/{id}", api.deleteApp).Methods(http.MethodDelete)
	r.HandleFunc("/app/{id}/start", api.startApp).Methods(http.MethodPut)
	r.HandleFunc("/app/{id}/stop", api.stopApp).Methods(http.MethodPut)
	r.HandleFunc("/app/{id}/{kind:source|sink}", api.createAppSourceSink).Methods(http.MethodPost)
	r.HandleFunc("/app/{id}/{kind:source|sink}", api.listAppSourceSinks).Methods(http.MethodGet)
	r.HandleFunc("/app/{id}/{kind:source|sink}/{childId}", api.updateAppSourceSink).Methods(http.MethodPut)
	r.HandleFunc("/app/{id}/{kind:source|sink}/{childId}", api.deleteAppSourceSink).Methods(http.MethodDelete)

	// devices
	r.HandleFunc("/device", api.createDevice).Methods(http.MethodPost)
	r.HandleFunc("/device", api.searchDevices).Methods(http.MethodGet)
	r.HandleFunc("/device/summary", api.deviceSummary).Methods(http.MethodGet)
	r.HandleFunc("/device/{id}", api.readDevice).Methods(http.MethodGet)
	r.HandleFunc("/device/{id}", api.updateDevice).Methods(http.MethodPut)
	r.HandleFunc("/device/{id}", api.deleteDevice).Methods(http.MethodDelete)
	r.HandleFunc("/device/{id}/start", api.startDevice).Methods(http.MethodPut)
	r.HandleFunc("/device/{id}/stop", api.stopDevice).Methods(http.MethodPut)
	r.HandleFunc("/device/{id}/{kind:source|sink}", api.createDeviceSourceSink).Methods(http.MethodPost)
	r.HandleFunc("/device/{id}/{kind:source|sink}", api.listDeviceSourceSinks).Methods(http.MethodGet)
	r.HandleFunc("/device/{id}/{kind:source|sink}/{childId}", api.updateDeviceSourceSink).Methods(http.MethodPut)
	r.HandleFunc("/device/{id}/{kind:source|sink}/{childId}", api.deleteDeviceSourceSink).Methods(http.MethodDelete)
	r.HandleFunc("/device/{id}/source/{childId}/value", api.writeSourceValue).Methods(http.MethodPut)

	// device templates
	r.HandleFunc("/device-template", api.createDeviceTemplate).Methods(http.MethodPost)
	r.HandleFunc("/device-template", api.listDeviceTemplates).Methods(http.MethodGet)
	r.HandleFunc("/device-template/{id}", api.deleteDeviceTemplate).Methods(http.MethodDelete)
	r.HandleFunc("/device-template/{id}/{kind:source|sink}", api.createTemplateSourceSink).Methods(http.MethodPost)
	r.HandleFunc("/device-template/{id}/{kind:source|sink}", api.listTemplateSourceSinks).Methods(http.MethodGet)

	// source/sink templates
	r.HandleFunc("/source-sink-template", api.createSourceSinkTemplate).Methods(http.MethodPost)
	r.HandleFunc("/source-sink-template", api.listSourceSinkTemplates).Methods(http.MethodGet)
	r.HandleFunc("/source-sink-template/{id}", api.deleteSourceSinkTemplate).Methods(http.MethodDelete)

	// rules
	r.HandleFunc("/rule", api.createRule).Methods(http.MethodPost)
	r.HandleFunc("/rule", api.searchRules).Methods(http.MethodGet)
	r.HandleFunc("/rule/summary", api.ruleSummary).Methods(http.MethodGet)
	r.HandleFunc("/rule/{id}", api.readRule).Methods(http.MethodGet)
	r.HandleFunc("/rule/{id}", api.updateRule).Methods(http.MethodPut)
	r.HandleFunc("/rule/{id}", api.deleteRule).Methods(http.MethodDelete)
	r.HandleFunc("/rule/{id}/start", api.startRule).Methods(http.MethodPut)
	r.HandleFunc("/rule/{id}/stop", api.stopRule).Methods(http.MethodPut)

	// databoards
	r.HandleFunc("/databoard/{id}/{dataId}", api.readDataboard).Methods(http.MethodGet)
}

// CreatedResponse model
type CreatedResponse struct {
	ID string `json:"id"`
}

// PagedResponse model
type PagedResponse struct {
	Total int `json:"total"`
	Data  any `json:"data"`
}

// ErrorResponse model
type ErrorResponse struct {
	// Statustext of Errorcode
	Status string `json:"status"`
	Error  string `json:"error"` // Error Message
}

func handleError(err error, statusCode int, rw http.ResponseWriter) {
	log.Warnf("REST ERROR : %s", err.Error())
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
}

// writeError maps the control-plane error kinds onto HTTP statuses.
func writeError(err error, rw http.ResponseWriter) {
	switch {
	case errors.Is(err, schema.ErrNotFound):
		handleError(err, http.StatusNotFound, rw)
	case errors.Is(err, schema.ErrNameExists), errors.Is(err, schema.ErrDeleteRefing):
		handleError(err, http.StatusConflict, rw)
	case schema.IsConfigInvalid(err):
		handleError(err, http.StatusBadRequest, rw)
	case errors.Is(err, schema.ErrStopped), errors.Is(err, schema.ErrDisconnected):
		handleError(err, http.StatusServiceUnavailable, rw)
	default:
		handleError(err, http.StatusInternalServerError, rw)
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(code)
	if v != nil {
		json.NewEncoder(rw).Encode(v)
	}
}

func decode(r io.Reader, val any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(val)
}

func parseQuery(r *http.Request) (schema.QueryParams, schema.Pagination) {
	q := schema.QueryParams{}
	values := r.URL.Query()
	if v := values.Get("name"); v != "" {
		q.Name = &v
	}
	if v := values.Get("type"); v != "" {
		q.Type = &v
	}
	if v := values.Get("on"); v != "" {
		on := v == "true"
		q.On = &on
	}
	if v := values.Get("err"); v != "" {
		hasErr := v == "true"
		q.Err = &hasErr
	}

	p := schema.Pagination{Page: 1}
	if v, err := strconv.Atoi(values.Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(values.Get("size")); err == nil && v > 0 {
		p.Size = v
	}
	return q, p
}
