// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package apps

import (
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
	mu   sync.RWMutex
	apps map[string]App
	repo *repository.Repository
}

func Init(repo *repository.Repository) *Manager {
	managerOnce.Do(func() {
		managerInstance = &Manager{
			apps: make(map[string]App),
			repo: repo,
		}
	})
	return managerInstance
}

func GetManager() *Manager {
	if managerInstance == nil {
		log.Fatal("app manager not initialized")
	}
	return managerInstance
}

// LoadFromRepository rebuilds every app and restarts the ones whose
// desired state is on.
func (m *Manager) LoadFromRepository() error {
	rows, err := m.repo.ListApps()
	if err != nil {
		return err
	}

	for _, row := range rows {
		app, err := newApp(row.ID, row.Type, row.Conf)
		if err != nil {
			log.Errorf("app %s (%s): rehydrate failed: %v", row.Name, row.ID, err)
			continue
		}

		for _, kind := range []repository.Kind{repository.KindSource, repository.KindSink} {
			children, err := m.repo.ListAppSourceSinks(row.ID, kind)
			if err != nil {
				return err
			}
			for _, child := range children {
				if kind == repository.KindSource {
					err = app.CreateSource(child.ID, child.Conf)
				} else {
					err = app.CreateSink(child.ID, child.Conf)
				}
				if err != nil {
					log.Errorf("app %s child %s: %v", row.ID, child.ID, err)
					continue
				}
				refs, err := m.repo.ListRuleRefsByChild(child.ID)
				if err != nil {
					continue
				}
				for _, ref := range refs {
					if kind == repository.KindSource {
						if t, err := app.SourceTracker(child.ID); err == nil {
							t.AddRef(ref.RuleID)
						}
					} else {
						if t, err := app.SinkTracker(child.ID); err == nil {
							t.AddRef(ref.RuleID)
						}
					}
				}
			}
		}

		m.mu.Lock()
		m.apps[row.ID] = app
		m.mu.Unlock()

		if row.Status == 1 {
			if err := app.Start(); err != nil {
				log.Errorf("app %s: restart failed: %v", row.ID, err)
			}
		}
	}
	return nil
}

/* App control */

func (m *Manager) Create(req *CreateAppReq) (string, error) {
	id := schema.NewID()
	app, err := newApp(id, req.Type, req.Conf)
	if err != nil {
		return "", err
	}

	if err := m.repo.InsertApp(id, req.Type, req.Base.Name, req.Base.Desc, req.Conf); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.apps[id] = app
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) get(id string) (App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return app, nil
}

func (m *Manager) Update(id string, req *UpdateAppReq) error {
	app, err := m.get(id)
	if err != nil {
		return err
	}
	if err := validateAppConf(app.Type(), req.Conf); err != nil {
		return err
	}
	if err := m.repo.UpdateAppConf(id, req.Base.Name, req.Base.Desc, req.Conf); err != nil {
		return err
	}
	return app.UpdateConf(req.Conf)
}

func (m *Manager) Start(id string) error {
	app, err := m.get(id)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}
	return m.repo.UpdateAppStatus(id, true)
}

func (m *Manager) Stop(id string) error {
	app, err := m.get(id)
	if err != nil {
		return err
	}
	if !m.childrenCanStop(app) {
		return schema.ErrDeleteRefing
	}
	if err := app.Stop(); err != nil {
		return err
	}
	return m.repo.UpdateAppStatus(id, false)
}

func (m *Manager) Delete(id string) error {
	app, err := m.get(id)
	if err != nil {
		return err
	}
	if !m.childrenCanDelete(app) {
		return schema.ErrDeleteRefing
	}
	if err := app.Stop(); err != nil {
		return err
	}
	if err := m.repo.DeleteAppSourceSinksByApp(id); err != nil {
		return err
	}
	if err := m.repo.DeleteApp(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.apps, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) childrenCanStop(app App) bool {
	ok := true
	m.forEachChildTracker(app, func(canStop, _ bool) {
		if !canStop {
			ok = false
		}
	})
	return ok
}

func (m *Manager) childrenCanDelete(app App) bool {
	ok := true
	m.forEachChildTracker(app, func(_, canDelete bool) {
		if !canDelete {
			ok = false
		}
	})
	return ok
}

func (m *Manager) forEachChildTracker(app App, fn func(canStop, canDelete bool)) {
	for _, kind := range []repository.Kind{repository.KindSource, repository.KindSink} {
		children, err := m.repo.ListAppSourceSinks(app.ID(), kind)
		if err != nil {
			continue
		}
		for _, child := range children {
			if kind == repository.KindSource {
				if t, err := app.SourceTracker(child.ID); err == nil {
					fn(t.CanStop(), t.CanDelete())
				}
			} else {
				if t, err := app.SinkTracker(child.ID); err == nil {
					fn(t.CanStop(), t.CanDelete())
				}
			}
		}
	}
}

/* Listing */

func (m *Manager) Search(q schema.QueryParams, p schema.Pagination) (int, []*AppResp, error) {
	m.SyncErrStates()
	total, rows, err := m.repo.SearchApps(q, p)
	if err != nil {
		return 0, nil, err
	}

	out := make([]*AppResp, 0, len(rows))
	for _, row := range rows {
		out = append(out, m.toResp(row))
	}
	return total, out, nil
}

func (m *Manager) Read(id string) (*AppResp, error) {
	row, err := m.repo.GetApp(id)
	if err != nil {
		return nil, err
	}
	return m.toResp(row), nil
}

func (m *Manager) toResp(row *repository.App) *AppResp {
	resp := &AppResp{
		ID:   row.ID,
		Type: row.Type,
		Name: row.Name,
		Conf: row.Conf,
		On:   row.Status == 1,
	}
	if row.Desc != nil {
		desc := string(row.Desc)
		resp.Desc = &desc
	}
	m.mu.RLock()
	if app, ok := m.apps[row.ID]; ok {
		if e := app.Err(); e != "" {
			resp.Err = &e
		}
	}
	m.mu.RUnlock()
	return resp
}

func (m *Manager) Summary() (*schema.Summary, error) {
	rows, err := m.repo.ListApps()
	if err != nil {
		return nil, err
	}

	s := &schema.Summary{}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range rows {
		s.Total++
		app, ok := m.apps[row.ID]
		switch {
		case ok && row.Status == 1 && app.Err() != "":
			s.Err++
		case row.Status == 1:
			s.Running++
		default:
			s.Off++
		}
	}
	return s, nil
}

func (m *Manager) SyncErrStates() {
	m.mu.RLock()
	apps := make([]App, 0, len(m.apps))
	for _, a := range m.apps {
		apps = append(apps, a)
	}
	m.mu.RUnlock()

	for _, a := range apps {
		var e *string
		if s := a.Err(); s != "" {
			e = &s
		}
		if err := m.repo.UpdateAppErr(a.ID(), e); err != nil {
			log.Warnf("sync app err state %s: %v", a.ID(), err)
		}
	}
}

/* Children */

func (m *Manager) CreateSourceSink(appID string, kind repository.Kind, req *schema.CreateUpdateSourceSinkReq) (string, error) {
	app, err := m.get(appID)
	if err != nil {
		return "", err
	}

	if kind == repository.KindSource {
		err = validateSourceConf(app.Type(), req.Conf)
	} else {
		err = validateSinkConf(app.Type(), req.Conf)
	}
	if err != nil {
		return "", err
	}

	id := schema.NewID()
	row := &repository.SourceSink{
		ID:       id,
		ParentID: appID,
		Kind:     kind,
		Name:     req.Base.Name,
		ConfType: string(schema.ConfTypeCustomize),
		Conf:     req.Conf,
	}
	if err := m.repo.InsertAppSourceSink(row); err != nil {
		return "", err
	}

	if kind == repository.KindSource {
		err = app.CreateSource(id, req.Conf)
	} else {
		err = app.CreateSink(id, req.Conf)
	}
	if err != nil {
		if delErr := m.repo.DeleteAppSourceSink(id); delErr != nil {
			log.Errorf("rollback of %s failed: %v", id, delErr)
		}
		return "", err
	}
	return id, nil
}

func (m *Manager) ListSourceSinks(appID string, kind repository.Kind) ([]*SourceSinkResp, error) {
	if _, err := m.get(appID); err != nil {
		return nil, err
	}
	rows, err := m.repo.ListAppSourceSinks(appID, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*SourceSinkResp, 0, len(rows))
	for _, row := range rows {
		out = append(out, &SourceSinkResp{ID: row.ID, Name: row.Name, Conf: row.Conf})
	}
	return out, nil
}

func (m *Manager) UpdateSourceSink(appID, childID string, kind repository.Kind, req *schema.CreateUpdateSourceSinkReq) error {
	app, err := m.get(appID)
	if err != nil {
		return err
	}

	exists, err := m.repo.AppSourceSinkNameExists(appID, kind, req.Base.Name, childID)
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}

	if kind == repository.KindSource {
		err = app.UpdateSource(childID, req.Conf)
	} else {
		err = app.UpdateSink(childID, req.Conf)
	}
	if err != nil {
		return err
	}
	return m.repo.UpdateAppSourceSink(childID, req.Base.Name, req.Conf)
}

func (m *Manager) DeleteSourceSink(appID, childID string, kind repository.Kind) error {
	app, err := m.get(appID)
	if err != nil {
		return err
	}

	if kind == repository.KindSource {
		err = app.DeleteSource(childID)
	} else {
		err = app.DeleteSink(childID)
	}
	if err != nil {
		return err
	}
	return m.repo.DeleteAppSourceSink(childID)
}

/* Rule wiring */

func (m *Manager) AddSourceRef(appID, sourceID, ruleID string) error {
	app, err := m.get(appID)
	if err != nil {
		return err
	}
	tracker, err := app.SourceTracker(sourceID)
	if err != nil {
		return err
	}
	tracker.AddRef(ruleID)
	return m.repo.UpsertRuleRef(ruleID, appID, sourceID)
}

func (m *Manager) AddSinkRef(appID, sinkID, ruleID string) error {
	app, err := m.get(appID)
	if err != nil {
		return err
	}
	tracker, err := app.SinkTracker(sinkID)
	if err != nil {
		return err
	}
	tracker.AddRef(ruleID)
	return m.repo.UpsertRuleRef(ruleID, appID, sinkID)
}

func (m *Manager) RemoveRef(appID, childID, ruleID string, kind repository.Kind) {
	app, err := m.get(appID)
	if err != nil {
		return
	}
	if kind == repository.KindSource {
		if t, err := app.SourceTracker(childID); err == nil {
			t.RemoveRef(ruleID)
		}
	} else {
		if t, err := app.SinkTracker(childID); err == nil {
			t.RemoveRef(ruleID)
		}
	}
}

func (m *Manager) AcquireSourceReceivers(appID, sourceID, ruleID string, cnt int) ([]*channel.Subscriber[schema.RuleMessageBatch], error) {
	app, err := m.get(appID)
	if err != nil {
		return nil, err
	}
	subs, err := app.SourceReceivers(sourceID, cnt)
	if err != nil {
		return nil, err
	}
	tracker, err := app.SourceTracker(sourceID)
	if err != nil {
		return nil, err
	}
	if err := tracker.Activate(ruleID); err != nil {
		return nil, err
	}
	return subs, nil
}

func (m *Manager) AcquireSinkSender(appID, sinkID, ruleID string) (*channel.Unicast[schema.RuleMessageBatch], error) {
	app, err := m.get(appID)
	if err != nil {
		return nil, err
	}
	sender, err := app.SinkSender(sinkID)
	if err != nil {
		return nil, err
	}
	tracker, err := app.SinkTracker(sinkID)
	if err != nil {
		return nil, err
	}
	if err := tracker.Activate(ruleID); err != nil {
		return nil, err
	}
	return sender, nil
}

func (m *Manager) Release(appID, childID, ruleID string, kind repository.Kind) {
	app, err := m.get(appID)
	if err != nil {
		return
	}
	if kind == repository.KindSource {
		if t, err := app.SourceTracker(childID); err == nil {
			t.Deactivate(ruleID)
		}
	} else {
		if t, err := app.SinkTracker(childID); err == nil {
			t.Deactivate(ruleID)
		}
	}
}
