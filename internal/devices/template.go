// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package devices

import (
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

// CreateDeviceTemplateReq holds a shared immutable device config from
// which derived devices are instantiated by overlay.
type CreateDeviceTemplateReq struct {
	Type string          `json:"type"`
	Base schema.BaseConf `json:"base"`
	Conf json.RawMessage `json:"conf"`
}

func (m *Manager) CreateDeviceTemplate(req *CreateDeviceTemplateReq) (string, error) {
	// the template itself must be a valid full config shape
	switch req.Type {
	case TypeModbus:
		// template halves validate when merged; only structural checks here
		var t json.RawMessage = req.Conf
		if len(t) == 0 {
			return "", schema.ConfigInvalid("template conf is required")
		}
	default:
		return "", schema.ConfigInvalid("device type %q does not support templates", req.Type)
	}

	id := schema.NewID()
	if err := m.repo.InsertDeviceTemplate(id, req.Type, req.Base.Name, req.Base.Desc, req.Conf); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) ListDeviceTemplates() ([]*repository.DeviceTemplate, error) {
	return m.repo.ListDeviceTemplates()
}

// DeleteDeviceTemplate refuses while derived devices exist.
func (m *Manager) DeleteDeviceTemplate(id string) error {
	return m.repo.DeleteDeviceTemplate(id)
}

// CreateTemplateSourceSink adds a source/sink under a device template and
// fans a per-device child out to every derived device. The operation is
// two-phase: first every derived device validates the effective config.
// Only on total success are the runtime children created and all rows
// (per-device plus the template row) written, in one transaction. A
// failure on any device leaves no runtime child and no persistent row.
func (m *Manager) CreateTemplateSourceSink(templateID string, kind repository.Kind, req *schema.CreateUpdateSourceSinkReq) (string, error) {
	tpl, err := m.repo.GetDeviceTemplate(templateID)
	if err != nil {
		return "", err
	}

	exists, err := m.repo.TemplateSourceSinkNameExists(templateID, kind, req.Base.Name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", schema.ErrNameExists
	}

	// effective child config
	conf := req.Conf
	if req.ConfType == schema.ConfTypeTemplate {
		if req.TemplateID == nil {
			return "", schema.ConfigInvalid("template_id is required")
		}
		sst, err := m.repo.GetSourceSinkTemplate(*req.TemplateID)
		if err != nil {
			return "", err
		}
		conf, err = mergeSourceSinkConf(tpl.Type, string(kind), req.Conf, sst.Conf)
		if err != nil {
			return "", err
		}
	}

	deviceIDs, err := m.repo.ListDeviceIDsByTemplateID(templateID)
	if err != nil {
		return "", err
	}

	// phase 1: validation on every derived device, no mutation anywhere
	for _, deviceID := range deviceIDs {
		device, err := m.get(deviceID)
		if err != nil {
			return "", err
		}
		if kind == repository.KindSource {
			err = validateSourceConf(device.Type(), conf)
		} else {
			err = validateSinkConf(device.Type(), conf)
		}
		if err != nil {
			return "", err
		}
		nameTaken, err := m.repo.DeviceSourceSinkNameExists(deviceID, kind, req.Base.Name, "")
		if err != nil {
			return "", err
		}
		if nameTaken {
			return "", schema.ErrNameExists
		}
	}

	// phase 2a: runtime children, rolled back as a group on any failure
	type created struct {
		device Device
		id     string
	}
	childIDs := make(map[string]string, len(deviceIDs))
	createdChildren := make([]created, 0, len(deviceIDs))
	rollback := func() {
		for _, c := range createdChildren {
			var err error
			if kind == repository.KindSource {
				err = c.device.DeleteSource(c.id)
			} else {
				err = c.device.DeleteSink(c.id)
			}
			if err != nil {
				log.Errorf("template propagation rollback on %s: %v", c.device.ID(), err)
			}
		}
	}
	for _, deviceID := range deviceIDs {
		device, err := m.get(deviceID)
		if err != nil {
			rollback()
			return "", err
		}
		childID := schema.NewID()
		if kind == repository.KindSource {
			err = device.CreateSource(childID, conf)
		} else {
			err = device.CreateSink(childID, conf)
		}
		if err != nil {
			rollback()
			return "", err
		}
		childIDs[deviceID] = childID
		createdChildren = append(createdChildren, created{device: device, id: childID})
	}

	// phase 2b: all rows in one transaction
	templateChildID := schema.NewID()
	err = m.repo.WithTx(func(tx *sqlx.Tx) error {
		for deviceID, childID := range childIDs {
			row := &repository.SourceSink{
				ID:                   childID,
				ParentID:             deviceID,
				Kind:                 kind,
				TemplateSourceSinkID: &templateChildID,
				Name:                 req.Base.Name,
				ConfType:             string(req.ConfType),
				Conf:                 req.Conf,
				TemplateID:           req.TemplateID,
			}
			if err := repository.InsertDeviceSourceSinkTx(tx, row); err != nil {
				return err
			}
		}
		return repository.InsertTemplateSourceSinkTx(tx, &repository.TemplateSourceSink{
			ID:               templateChildID,
			DeviceTemplateID: templateID,
			Kind:             kind,
			Name:             req.Base.Name,
			ConfType:         string(req.ConfType),
			TemplateID:       req.TemplateID,
			Conf:             req.Conf,
		})
	})
	if err != nil {
		rollback()
		return "", err
	}
	return templateChildID, nil
}

func (m *Manager) ListTemplateSourceSinks(templateID string, kind repository.Kind) ([]*repository.TemplateSourceSink, error) {
	if _, err := m.repo.GetDeviceTemplate(templateID); err != nil {
		return nil, err
	}
	return m.repo.ListTemplateSourceSinks(templateID, kind)
}

/* Source/sink templates (standalone blueprints) */

type CreateSourceSinkTemplateReq struct {
	DeviceType string          `json:"device_type"`
	Kind       repository.Kind `json:"kind"`
	Name       string          `json:"name"`
	Conf       json.RawMessage `json:"conf"`
}

func (m *Manager) CreateSourceSinkTemplate(req *CreateSourceSinkTemplateReq) (string, error) {
	if req.Kind != repository.KindSource && req.Kind != repository.KindSink {
		return "", schema.ConfigInvalid("unknown kind %q", req.Kind)
	}

	id := schema.NewID()
	err := m.repo.InsertSourceSinkTemplate(&repository.SourceSinkTemplate{
		ID:         id,
		DeviceType: req.DeviceType,
		Kind:       req.Kind,
		Name:       req.Name,
		Conf:       req.Conf,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) ListSourceSinkTemplates(deviceType string, kind repository.Kind) ([]*repository.SourceSinkTemplate, error) {
	return m.repo.ListSourceSinkTemplates(deviceType, kind)
}

func (m *Manager) DeleteSourceSinkTemplate(id string) error {
	return m.repo.DeleteSourceSinkTemplate(id)
}
