// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque resource ID. IDs are never reused.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BaseConf is shared by every named resource.
type BaseConf struct {
	Name string  `json:"name"`
	Desc *string `json:"desc,omitempty"`
}

// ConfType selects whether a source/sink carries its own config or derives
// it from a template by overlay.
type ConfType string

const (
	ConfTypeCustomize ConfType = "customize"
	ConfTypeTemplate  ConfType = "template"
)

// CreateUpdateSourceSinkReq is the control-plane body for source and sink
// children of apps and devices.
type CreateUpdateSourceSinkReq struct {
	ConfType   ConfType        `json:"conf_type"`
	TemplateID *string         `json:"template_id,omitempty"`
	Base       BaseConf        `json:"base"`
	Conf       json.RawMessage `json:"conf"`
}

// Pagination of list endpoints. Pages start at 1; Size 0 falls back to the
// default page size.
type Pagination struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

const defaultPageSize = 20

func (p Pagination) Window() (offset, limit int) {
	page := p.Page
	if page < 1 {
		page = 1
	}
	size := p.Size
	if size < 1 {
		size = defaultPageSize
	}
	return (page - 1) * size, size
}

// Contains reports whether the item at position idx (0-based, already
// filtered) falls into the requested page.
func (p Pagination) Contains(idx int) bool {
	offset, limit := p.Window()
	return idx >= offset && idx < offset+limit
}

// QueryParams filter list endpoints. All fields are optional and combined
// with AND.
type QueryParams struct {
	Name *string
	Type *string
	On   *bool
	Err  *bool
}

// Summary holds the aggregated resource counts shown on the dashboard.
type Summary struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Err     int `json:"err"`
	Off     int `json:"off"`
}

// WriteValueReq carries a value written through the control plane to a
// device point.
type WriteValueReq struct {
	Value json.RawMessage `json:"value"`
}
