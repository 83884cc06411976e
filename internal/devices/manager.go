// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package devices

import (
	"encoding/json"
	"sync"

	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

var (
	managerOnce     sync.Once
	managerInstance *Manager
)

type Manager struct {
	mu      sync.RWMutex
	devices map[string]Device
	repo    *repository.Repository
}

func Init(repo *repository.Repository) *Manager {
	managerOnce.Do(func() {
		managerInstance = &Manager{
			devices: make(map[string]Device),
			repo:    repo,
		}
	})
	return managerInstance
}

func GetManager() *Manager {
	if managerInstance == nil {
		log.Fatal("device manager not initialized")
	}
	return managerInstance
}

// LoadFromRepository rebuilds every runtime object and restarts the ones
// whose desired state is on. Called before the control surface accepts
// traffic.
func (m *Manager) LoadFromRepository() error {
	rows, err := m.repo.ListDevices()
	if err != nil {
		return err
	}

	for _, row := range rows {
		device, err := m.rehydrate(row)
		if err != nil {
			log.Errorf("device %s (%s): rehydrate failed: %v", row.Name, row.ID, err)
			continue
		}

		for _, kind := range []repository.Kind{repository.KindSource, repository.KindSink} {
			children, err := m.repo.ListDeviceSourceSinks(row.ID, kind)
			if err != nil {
				return err
			}
			for _, child := range children {
				conf, err := m.effectiveChildConf(row.Type, string(kind), child)
				if err != nil {
					log.Errorf("device %s child %s: %v", row.ID, child.ID, err)
					continue
				}
				if kind == repository.KindSource {
					err = device.CreateSource(child.ID, conf)
				} else {
					err = device.CreateSink(child.ID, conf)
				}
				if err != nil {
					log.Errorf("device %s child %s: %v", row.ID, child.ID, err)
				}
			}
		}

		// restore persisted rule references
		m.restoreRefs(device)

		m.mu.Lock()
		m.devices[row.ID] = device
		m.mu.Unlock()

		if row.Status == 1 {
			if err := device.Start(); err != nil {
				log.Errorf("device %s: restart failed: %v", row.ID, err)
			}
		}
	}
	return nil
}

func (m *Manager) rehydrate(row *repository.Device) (Device, error) {
	if row.TemplateID != nil {
		tpl, err := m.repo.GetDeviceTemplate(*row.TemplateID)
		if err != nil {
			return nil, err
		}
		return newDeviceFromTemplate(row.ID, row.Type, row.Conf, tpl.Conf)
	}
	return newDevice(row.ID, row.Type, row.Conf)
}

func (m *Manager) effectiveChildConf(devType, kind string, child *repository.SourceSink) (json.RawMessage, error) {
	if child.ConfType == string(schema.ConfTypeTemplate) && child.TemplateID != nil {
		tpl, err := m.repo.GetSourceSinkTemplate(*child.TemplateID)
		if err != nil {
			return nil, err
		}
		return mergeSourceSinkConf(devType, kind, child.Conf, tpl.Conf)
	}
	return child.Conf, nil
}

func (m *Manager) restoreRefs(device Device) {
	for _, kind := range []repository.Kind{repository.KindSource, repository.KindSink} {
		children, err := m.repo.ListDeviceSourceSinks(device.ID(), kind)
		if err != nil {
			continue
		}
		for _, child := range children {
			refs, err := m.repo.ListRuleRefsByChild(child.ID)
			if err != nil {
				continue
			}
			for _, ref := range refs {
				var tracker interface{ AddRef(string) }
				var trErr error
				if kind == repository.KindSource {
					t, e := device.SourceTracker(child.ID)
					tracker, trErr = t, e
				} else {
					t, e := device.SinkTracker(child.ID)
					tracker, trErr = t, e
				}
				if trErr == nil {
					tracker.AddRef(ref.RuleID)
				}
			}
		}
	}
}

/* Device control */

func (m *Manager) Create(req *CreateDeviceReq) (string, error) {
	id := schema.NewID()

	var device Device
	var err error
	switch req.ConfType {
	case schema.ConfTypeTemplate:
		if req.TemplateID == nil {
			return "", schema.ConfigInvalid("template_id is required for template devices")
		}
		tpl, terr := m.repo.GetDeviceTemplate(*req.TemplateID)
		if terr != nil {
			return "", terr
		}
		if tpl.Type != req.Type {
			return "", schema.ConfigInvalid("template type %q does not match device type %q", tpl.Type, req.Type)
		}
		device, err = newDeviceFromTemplate(id, req.Type, req.Conf, tpl.Conf)
	default:
		device, err = newDevice(id, req.Type, req.Conf)
	}
	if err != nil {
		return "", err
	}

	if err := m.repo.InsertDevice(id, req.Type, req.Base.Name, req.Base.Desc, req.Conf, req.TemplateID); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.devices[id] = device
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) get(id string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return device, nil
}

func (m *Manager) Update(id string, req *UpdateDeviceReq) error {
	device, err := m.get(id)
	if err != nil {
		return err
	}
	if err := validateDeviceConf(device.Type(), req.Conf); err != nil {
		return err
	}
	if err := m.repo.UpdateDeviceConf(id, req.Base.Name, req.Base.Desc, req.Conf); err != nil {
		return err
	}
	return device.UpdateConf(req.Conf)
}

func (m *Manager) Start(id string) error {
	device, err := m.get(id)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		return err
	}
	return m.repo.UpdateDeviceStatus(id, true)
}

// Stop refuses while any child has an active rule reference.
func (m *Manager) Stop(id string) error {
	device, err := m.get(id)
	if err != nil {
		return err
	}
	if !m.childrenCanStop(device) {
		return schema.ErrDeleteRefing
	}
	if err := device.Stop(); err != nil {
		return err
	}
	return m.repo.UpdateDeviceStatus(id, false)
}

// Delete requires stop-then-delete: no reference may remain at all.
func (m *Manager) Delete(id string) error {
	device, err := m.get(id)
	if err != nil {
		return err
	}
	if !m.childrenCanDelete(device) {
		return schema.ErrDeleteRefing
	}
	if err := device.Stop(); err != nil {
		return err
	}
	if err := m.repo.DeleteDeviceSourceSinksByDevice(id); err != nil {
		return err
	}
	if err := m.repo.DeleteDevice(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.devices, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) childrenCanStop(device Device) bool {
	ok := true
	m.forEachChildTracker(device, func(t canStopDelete) {
		if !t.CanStop() {
			ok = false
		}
	})
	return ok
}

func (m *Manager) childrenCanDelete(device Device) bool {
	ok := true
	m.forEachChildTracker(device, func(t canStopDelete) {
		if !t.CanDelete() {
			ok = false
		}
	})
	return ok
}

type canStopDelete interface {
	CanStop() bool
	CanDelete() bool
}

func (m *Manager) forEachChildTracker(device Device, fn func(canStopDelete)) {
	for _, kind := range []repository.Kind{repository.KindSource, repository.KindSink} {
		children, err := m.repo.ListDeviceSourceSinks(device.ID(), kind)
		if err != nil {
			continue
		}
		for _, child := range children {
			if kind == repository.KindSource {
				if t, err := device.SourceTracker(child.ID); err == nil {
					fn(t)
				}
			} else {
				if t, err := device.SinkTracker(child.ID); err == nil {
					fn(t)
				}
			}
		}
	}
}

/* Listing */

func (m *Manager) Search(q schema.QueryParams, p schema.Pagination) (int, []*DeviceResp, error) {
	m.SyncErrStates()
	total, rows, err := m.repo.SearchDevices(q, p)
	if err != nil {
		return 0, nil, err
	}

	out := make([]*DeviceResp, 0, len(rows))
	for _, row := range rows {
		out = append(out, m.toResp(row))
	}
	return total, out, nil
}

func (m *Manager) Read(id string) (*DeviceResp, error) {
	row, err := m.repo.GetDevice(id)
	if err != nil {
		return nil, err
	}
	return m.toResp(row), nil
}

func (m *Manager) toResp(row *repository.Device) *DeviceResp {
	resp := &DeviceResp{
		ID:         row.ID,
		Type:       row.Type,
		Name:       row.Name,
		Conf:       row.Conf,
		TemplateID: row.TemplateID,
		On:         row.Status == 1,
	}
	if row.Desc != nil {
		desc := string(row.Desc)
		resp.Desc = &desc
	}
	m.mu.RLock()
	if device, ok := m.devices[row.ID]; ok {
		if e := device.Err(); e != "" {
			resp.Err = &e
		}
	}
	m.mu.RUnlock()
	return resp
}

// Summary aggregates the dashboard counts. A resource in error counts as
// err even when its desired state is on.
func (m *Manager) Summary() (*schema.Summary, error) {
	rows, err := m.repo.ListDevices()
	if err != nil {
		return nil, err
	}

	s := &schema.Summary{}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range rows {
		s.Total++
		device, ok := m.devices[row.ID]
		switch {
		case ok && row.Status == 1 && device.Err() != "":
			s.Err++
		case row.Status == 1:
			s.Running++
		default:
			s.Off++
		}
	}
	return s, nil
}

// SyncErrStates writes the runtime error strings back to the store so the
// err filter of the list endpoints can run in SQL. Invoked by the task
// manager on a schedule and before searches.
func (m *Manager) SyncErrStates() {
	m.mu.RLock()
	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	for _, d := range devices {
		var e *string
		if s := d.Err(); s != "" {
			e = &s
		}
		if err := m.repo.UpdateDeviceErr(d.ID(), e); err != nil {
			log.Warnf("sync device err state %s: %v", d.ID(), err)
		}
	}
}

/* Children */

func (m *Manager) CreateSourceSink(deviceID string, kind repository.Kind, req *schema.CreateUpdateSourceSinkReq) (string, error) {
	device, err := m.get(deviceID)
	if err != nil {
		return "", err
	}

	conf := req.Conf
	if req.ConfType == schema.ConfTypeTemplate {
		if req.TemplateID == nil {
			return "", schema.ConfigInvalid("template_id is required")
		}
		tpl, err := m.repo.GetSourceSinkTemplate(*req.TemplateID)
		if err != nil {
			return "", err
		}
		conf, err = mergeSourceSinkConf(device.Type(), string(kind), req.Conf, tpl.Conf)
		if err != nil {
			return "", err
		}
	}

	if kind == repository.KindSource {
		err = validateSourceConf(device.Type(), conf)
	} else {
		err = validateSinkConf(device.Type(), conf)
	}
	if err != nil {
		return "", err
	}

	id := schema.NewID()
	row := &repository.SourceSink{
		ID:         id,
		ParentID:   deviceID,
		Kind:       kind,
		Name:       req.Base.Name,
		ConfType:   string(req.ConfType),
		Conf:       req.Conf,
		TemplateID: req.TemplateID,
	}
	if err := m.repo.InsertDeviceSourceSink(row); err != nil {
		return "", err
	}

	if kind == repository.KindSource {
		err = device.CreateSource(id, conf)
	} else {
		err = device.CreateSink(id, conf)
	}
	if err != nil {
		// roll the row back; the runtime rejected the config
		if delErr := m.repo.DeleteDeviceSourceSink(id); delErr != nil {
			log.Errorf("rollback of %s failed: %v", id, delErr)
		}
		return "", err
	}
	return id, nil
}

func (m *Manager) ListSourceSinks(deviceID string, kind repository.Kind) ([]*SourceSinkResp, error) {
	if _, err := m.get(deviceID); err != nil {
		return nil, err
	}
	rows, err := m.repo.ListDeviceSourceSinks(deviceID, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*SourceSinkResp, 0, len(rows))
	for _, row := range rows {
		out = append(out, &SourceSinkResp{
			ID:         row.ID,
			Name:       row.Name,
			ConfType:   row.ConfType,
			TemplateID: row.TemplateID,
			Conf:       row.Conf,
		})
	}
	return out, nil
}

func (m *Manager) UpdateSourceSink(deviceID, childID string, kind repository.Kind, req *schema.CreateUpdateSourceSinkReq) error {
	device, err := m.get(deviceID)
	if err != nil {
		return err
	}

	exists, err := m.repo.DeviceSourceSinkNameExists(deviceID, kind, req.Base.Name, childID)
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}

	conf := req.Conf
	if req.ConfType == schema.ConfTypeTemplate && req.TemplateID != nil {
		tpl, err := m.repo.GetSourceSinkTemplate(*req.TemplateID)
		if err != nil {
			return err
		}
		conf, err = mergeSourceSinkConf(device.Type(), string(kind), req.Conf, tpl.Conf)
		if err != nil {
			return err
		}
	}

	if kind == repository.KindSource {
		err = device.UpdateSource(childID, conf)
	} else {
		err = device.UpdateSink(childID, conf)
	}
	if err != nil {
		return err
	}
	return m.repo.UpdateDeviceSourceSink(childID, req.Base.Name, req.Conf)
}

func (m *Manager) DeleteSourceSink(deviceID, childID string, kind repository.Kind) error {
	device, err := m.get(deviceID)
	if err != nil {
		return err
	}

	if kind == repository.KindSource {
		err = device.DeleteSource(childID)
	} else {
		err = device.DeleteSink(childID)
	}
	if err != nil {
		return err
	}
	return m.repo.DeleteDeviceSourceSink(childID)
}

func (m *Manager) WriteSourceValue(deviceID, sourceID string, value json.RawMessage) error {
	device, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return device.WriteSourceValue(sourceID, value)
}

/* Rule wiring */

// AddSourceRef registers a saved rule against the source. The reference
// survives in both the runtime tracker and the store.
func (m *Manager) AddSourceRef(deviceID, sourceID, ruleID string) error {
	device, err := m.get(deviceID)
	if err != nil {
		return err
	}
	tracker, err := device.SourceTracker(sourceID)
	if err != nil {
		return err
	}
	tracker.AddRef(ruleID)
	return m.repo.UpsertRuleRef(ruleID, deviceID, sourceID)
}

func (m *Manager) AddSinkRef(deviceID, sinkID, ruleID string) error {
	device, err := m.get(deviceID)
	if err != nil {
		return err
	}
	tracker, err := device.SinkTracker(sinkID)
	if err != nil {
		return err
	}
	tracker.AddRef(ruleID)
	return m.repo.UpsertRuleRef(ruleID, deviceID, sinkID)
}

func (m *Manager) RemoveRef(deviceID, childID, ruleID string, kind repository.Kind) {
	device, err := m.get(deviceID)
	if err != nil {
		return
	}
	if kind == repository.KindSource {
		if t, err := device.SourceTracker(childID); err == nil {
			t.RemoveRef(ruleID)
		}
	} else {
		if t, err := device.SinkTracker(childID); err == nil {
			t.RemoveRef(ruleID)
		}
	}
}

// AcquireSourceReceivers hands the rule one broadcast receiver per
// outgoing edge and marks the reference active.
func (m *Manager) AcquireSourceReceivers(deviceID, sourceID, ruleID string, cnt int) ([]*channel.Subscriber[schema.RuleMessageBatch], error) {
	device, err := m.get(deviceID)
	if err != nil {
		return nil, err
	}
	subs, err := device.SourceReceivers(sourceID, cnt)
	if err != nil {
		return nil, err
	}
	tracker, err := device.SourceTracker(sourceID)
	if err != nil {
		return nil, err
	}
	if err := tracker.Activate(ruleID); err != nil {
		return nil, err
	}
	return subs, nil
}

func (m *Manager) AcquireSinkSender(deviceID, sinkID, ruleID string) (*channel.Unicast[schema.RuleMessageBatch], error) {
	device, err := m.get(deviceID)
	if err != nil {
		return nil, err
	}
	sender, err := device.SinkSender(sinkID)
	if err != nil {
		return nil, err
	}
	tracker, err := device.SinkTracker(sinkID)
	if err != nil {
		return nil, err
	}
	if err := tracker.Activate(ruleID); err != nil {
		return nil, err
	}
	return sender, nil
}

// Release deactivates the rule's reference on a child; used for both
// clean stop and partial-start rollback.
func (m *Manager) Release(deviceID, childID, ruleID string, kind repository.Kind) {
	device, err := m.get(deviceID)
	if err != nil {
		return
	}
	if kind == repository.KindSource {
		if t, err := device.SourceTracker(childID); err == nil {
			t.Deactivate(ruleID)
		}
	} else {
		if t, err := device.SinkTracker(childID); err == nil {
			t.Deactivate(ruleID)
		}
	}
}
