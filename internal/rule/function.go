// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"encoding/json"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

// transformFunc mutates a batch in place. Returning false drops the batch
// and short-circuits the rest of the segment.
type transformFunc func(mb *schema.MessageBatch) bool

// compileFilter builds a per-message predicate from a user expression.
// Message fields are the expression environment; a failing or non-bool
// evaluation drops the message.
func compileFilter(conf *FilterConf) (transformFunc, error) {
	program, err := expr.Compile(conf.Expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.ConfigInvalid("filter expression %q: %v", conf.Expression, err)
	}

	return func(mb *schema.MessageBatch) bool {
		kept := mb.Messages()[:0]
		for _, msg := range mb.Messages() {
			out, err := vm.Run(program, msg.Fields())
			if err != nil {
				log.Debugf("filter: %v, message dropped", err)
				continue
			}
			if keep, ok := out.(bool); ok && keep {
				kept = append(kept, msg)
			}
		}
		if len(kept) == 0 {
			return false
		}
		mb.SetMessages(kept)
		return true
	}, nil
}

// compileComputer builds field assignments evaluated in declared order.
// A failing item leaves its field untouched.
func compileComputer(conf *ComputerConf) (transformFunc, error) {
	type item struct {
		field   string
		program *vm.Program
	}
	items := make([]item, 0, len(conf.Items))
	for _, it := range conf.Items {
		if it.Field == "" {
			return nil, schema.ConfigInvalid("computer item needs a field")
		}
		program, err := expr.Compile(it.Expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, schema.ConfigInvalid("computer expression %q: %v", it.Expression, err)
		}
		items = append(items, item{field: it.Field, program: program})
	}

	return func(mb *schema.MessageBatch) bool {
		for _, msg := range mb.Messages() {
			for _, it := range items {
				out, err := vm.Run(it.program, msg.Fields())
				if err != nil {
					log.Debugf("computer %s: %v", it.field, err)
					continue
				}
				msg.Set(it.field, out)
			}
		}
		return true
	}, nil
}

// compileOperator resolves a named built-in. The set is closed; the
// passthrough operator forwards batches untouched.
func compileOperator(conf *OperatorConf) (transformFunc, error) {
	switch conf.Name {
	case "", "passthrough":
		return func(*schema.MessageBatch) bool { return true }, nil
	default:
		return nil, schema.ConfigInvalid("unknown operator %q", conf.Name)
	}
}

// compileTransforms composes a chain into one pass over the batch.
func compileTransforms(chain []*Node) ([]transformFunc, error) {
	funcs := make([]transformFunc, 0, len(chain))
	for _, node := range chain {
		fn, err := compileTransform(node)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
	}
	return funcs, nil
}

func compileTransform(node *Node) (transformFunc, error) {
	switch node.Type {
	case NodeFilter:
		var c FilterConf
		if err := unmarshalConf(node, &c); err != nil {
			return nil, err
		}
		return compileFilter(&c)
	case NodeComputer:
		var c ComputerConf
		if err := unmarshalConf(node, &c); err != nil {
			return nil, err
		}
		return compileComputer(&c)
	case NodeOperator:
		var c OperatorConf
		if err := unmarshalConf(node, &c); err != nil {
			return nil, err
		}
		return compileOperator(&c)
	default:
		return nil, schema.ConfigInvalid("node %d is not a transform", node.Index)
	}
}

func unmarshalConf(node *Node, v any) error {
	if err := json.Unmarshal(node.Conf, v); err != nil {
		return schema.ConfigInvalid("node %d conf: %v", node.Index, err)
	}
	return nil
}
