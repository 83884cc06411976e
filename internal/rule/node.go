// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rule compiles user-defined DAGs of operator nodes into sets of
// concurrent tasks wired by unicast and broadcast channels, and runs them
// against the app/device registries.
package rule

import (
	"encoding/json"

	"github.com/quickmsg/halia/pkg/schema"
)

type NodeType string

const (
	NodeDeviceSource NodeType = "device_source"
	NodeAppSource    NodeType = "app_source"
	NodeDeviceSink   NodeType = "device_sink"
	NodeAppSink      NodeType = "app_sink"
	NodeDataboard    NodeType = "databoard"
	NodeMerge        NodeType = "merge"
	NodeWindow       NodeType = "window"
	NodeFilter       NodeType = "filter"
	NodeComputer     NodeType = "computer"
	NodeOperator     NodeType = "operator"
	NodeLog          NodeType = "log"
)

func (t NodeType) isSource() bool {
	return t == NodeDeviceSource || t == NodeAppSource
}

// isTerminal covers nodes consuming batches without forwarding them.
func (t NodeType) isTerminal() bool {
	switch t {
	case NodeDeviceSink, NodeAppSink, NodeDataboard, NodeLog:
		return true
	}
	return false
}

// isTransform covers nodes composable inline into one segment task.
func (t NodeType) isTransform() bool {
	return t == NodeFilter || t == NodeComputer || t == NodeOperator
}

func (t NodeType) valid() bool {
	switch t {
	case NodeDeviceSource, NodeAppSource, NodeDeviceSink, NodeAppSink,
		NodeDataboard, NodeMerge, NodeWindow, NodeFilter, NodeComputer,
		NodeOperator, NodeLog:
		return true
	}
	return false
}

type Node struct {
	Index int             `json:"index"`
	Type  NodeType        `json:"type"`
	Conf  json.RawMessage `json:"conf"`
}

// GraphConf is the persisted rule body: nodes plus directed edges
// (src index, dst index).
type GraphConf struct {
	Nodes []Node   `json:"nodes"`
	Edges [][2]int `json:"edges"`
}

type CreateUpdateRuleReq struct {
	Name  string   `json:"name"`
	Nodes []Node   `json:"nodes"`
	Edges [][2]int `json:"edges"`
}

/* Endpoint node configs */

type DeviceSourceNode struct {
	DeviceID string `json:"device_id"`
	SourceID string `json:"source_id"`
}

type AppSourceNode struct {
	AppID    string `json:"app_id"`
	SourceID string `json:"source_id"`
}

type DeviceSinkNode struct {
	DeviceID string `json:"device_id"`
	SinkID   string `json:"sink_id"`
}

type AppSinkNode struct {
	AppID  string `json:"app_id"`
	SinkID string `json:"sink_id"`
}

type DataboardNode struct {
	DataboardID string `json:"databoard_id"`
	DataID      string `json:"data_id"`
}

type LogNode struct {
	Name string `json:"name"`
}

/* Transform node configs */

type FilterConf struct {
	Expression string `json:"expression"`
}

type ComputeItem struct {
	Field      string `json:"field"`
	Expression string `json:"expression"`
}

type ComputerConf struct {
	Items []ComputeItem `json:"items"`
}

// OperatorConf names a built-in operator. The set is closed; unknown
// names fail rule creation.
type OperatorConf struct {
	Name string `json:"name"`
}

type WindowMode string

const (
	WindowTumbling WindowMode = "tumbling"
	WindowSliding  WindowMode = "sliding"
)

type WindowBy string

const (
	WindowByCount WindowBy = "count"
	WindowByTime  WindowBy = "time"
)

type WindowConf struct {
	Mode     WindowMode `json:"mode"`
	By       WindowBy   `json:"by"`
	Count    int        `json:"count,omitempty"`
	Interval uint64     `json:"interval,omitempty"` // ms
}

func (c *WindowConf) validate() error {
	if c.Mode != WindowTumbling && c.Mode != WindowSliding {
		return schema.ConfigInvalid("unknown window mode %q", c.Mode)
	}
	switch c.By {
	case WindowByCount:
		if c.Count <= 0 {
			return schema.ConfigInvalid("count windows need a positive count")
		}
	case WindowByTime:
		if c.Interval == 0 {
			return schema.ConfigInvalid("time windows need a positive interval")
		}
	default:
		return schema.ConfigInvalid("unknown window unit %q", c.By)
	}
	return nil
}
