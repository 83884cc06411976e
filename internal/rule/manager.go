// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/quickmsg/halia/internal/apps"
	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/internal/metrics"
	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

var (
	managerOnce     sync.Once
	managerInstance *Manager
)

type Manager struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	repo   *repository.Repository
	dm     *devices.Manager
	am     *apps.Manager
	logDir string
}

func Init(repo *repository.Repository, dm *devices.Manager, am *apps.Manager, logDir string) *Manager {
	managerOnce.Do(func() {
		managerInstance = &Manager{
			rules:  make(map[string]*Rule),
			repo:   repo,
			dm:     dm,
			am:     am,
			logDir: logDir,
		}
	})
	return managerInstance
}

func GetManager() *Manager {
	if managerInstance == nil {
		log.Fatal("rule manager not initialized")
	}
	return managerInstance
}

// LogDir is where rule-scoped log sinks write. Exposed for the task
// manager's rotation sweep.
func (m *Manager) LogDir() string {
	return m.logDir
}

// LoadFromRepository rebuilds every rule and restarts the ones whose
// desired state is on. Apps and devices load first; their channels must
// exist before rules bind to them.
func (m *Manager) LoadFromRepository() error {
	rows, err := m.repo.ListRules()
	if err != nil {
		return err
	}

	for _, row := range rows {
		var conf GraphConf
		if err := json.Unmarshal(row.Conf, &conf); err != nil {
			log.Errorf("rule %s: bad persisted conf: %v", row.ID, err)
			continue
		}
		r, err := newRule(row.ID, row.Name, &conf, m.dm, m.am, m.logDir)
		if err != nil {
			log.Errorf("rule %s: rehydrate failed: %v", row.ID, err)
			continue
		}
		if err := r.registerRefs(); err != nil {
			log.Errorf("rule %s: reference registration failed: %v", row.ID, err)
		}

		m.mu.Lock()
		m.rules[row.ID] = r
		m.mu.Unlock()

		if row.Status == 1 {
			if err := m.Start(row.ID); err != nil {
				log.Errorf("rule %s: restart failed: %v", row.ID, err)
			}
		}
	}
	return nil
}

func (m *Manager) Create(req *CreateUpdateRuleReq) (string, error) {
	id := schema.NewID()
	conf := &GraphConf{Nodes: req.Nodes, Edges: req.Edges}

	r, err := newRule(id, req.Name, conf, m.dm, m.am, m.logDir)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(conf)
	if err != nil {
		return "", err
	}
	if err := m.repo.InsertRule(id, req.Name, raw); err != nil {
		return "", err
	}
	if err := r.registerRefs(); err != nil {
		// the graph names a resource that does not exist; undo everything
		r.dropRefs()
		if delErr := m.repo.DeleteRuleRefsByRule(id); delErr != nil {
			log.Errorf("rule %s: ref cleanup failed: %v", id, delErr)
		}
		if delErr := m.repo.DeleteRule(id); delErr != nil {
			log.Errorf("rule %s: rollback failed: %v", id, delErr)
		}
		return "", err
	}

	m.mu.Lock()
	m.rules[id] = r
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) get(id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return r, nil
}

// Start is idempotent.
func (m *Manager) Start(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.running() {
		return nil
	}
	if err := r.start(); err != nil {
		if dbErr := m.repo.DeactivateRuleRefs(id); dbErr != nil {
			log.Warnf("rule %s: deactivate refs: %v", id, dbErr)
		}
		return err
	}
	metrics.RulesRunning.Inc()
	if err := m.repo.ActivateRuleRefs(id); err != nil {
		return err
	}
	return m.repo.UpdateRuleStatus(id, true)
}

// Stop is idempotent; it returns only after every task joined.
func (m *Manager) Stop(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.running() {
		return nil
	}
	r.stopRun()
	metrics.RulesRunning.Dec()
	if err := m.repo.DeactivateRuleRefs(id); err != nil {
		return err
	}
	return m.repo.UpdateRuleStatus(id, false)
}

// Update replaces the graph: stop, swap, start. No in-place editing.
func (m *Manager) Update(id string, req *CreateUpdateRuleReq) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}

	conf := &GraphConf{Nodes: req.Nodes, Edges: req.Edges}
	replacement, err := newRule(id, req.Name, conf, m.dm, m.am, m.logDir)
	if err != nil {
		return err
	}

	wasRunning := r.running()
	if wasRunning {
		if err := m.Stop(id); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(conf)
	if err != nil {
		return err
	}
	if err := m.repo.UpdateRuleConf(id, req.Name, raw); err != nil {
		return err
	}

	// rebind references to the new graph
	r.dropRefs()
	if err := m.repo.DeleteRuleRefsByRule(id); err != nil {
		return err
	}
	if err := replacement.registerRefs(); err != nil {
		return err
	}

	m.mu.Lock()
	m.rules[id] = replacement
	m.mu.Unlock()

	if wasRunning {
		return m.Start(id)
	}
	return nil
}

func (m *Manager) Delete(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	if r.running() {
		return schema.ErrDeleteRefing
	}

	r.dropRefs()
	if err := m.repo.DeleteRuleRefsByRule(id); err != nil {
		return err
	}
	if err := m.repo.DeleteRule(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.rules, id)
	m.mu.Unlock()
	return nil
}

type RuleResp struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	On    bool     `json:"on"`
	Nodes []Node   `json:"nodes"`
	Edges [][2]int `json:"edges"`
}

func (m *Manager) Read(id string) (*RuleResp, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return &RuleResp{
		ID:    r.ID,
		Name:  r.Name,
		On:    r.running(),
		Nodes: r.conf.Nodes,
		Edges: r.conf.Edges,
	}, nil
}

func (m *Manager) Search(q schema.QueryParams, p schema.Pagination) (int, []*RuleResp, error) {
	rows, err := m.repo.ListRules()
	if err != nil {
		return 0, nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*RuleResp{}
	matched := 0
	for _, row := range rows {
		if q.Name != nil && !strings.Contains(strings.ToLower(row.Name), strings.ToLower(*q.Name)) {
			continue
		}
		on := row.Status == 1
		if q.On != nil && on != *q.On {
			continue
		}
		if p.Contains(matched) {
			resp := &RuleResp{ID: row.ID, Name: row.Name, On: on}
			if r, ok := m.rules[row.ID]; ok {
				resp.Nodes = r.conf.Nodes
				resp.Edges = r.conf.Edges
			}
			out = append(out, resp)
		}
		matched++
	}
	return matched, out, nil
}

func (m *Manager) Summary() (*schema.Summary, error) {
	rows, err := m.repo.ListRules()
	if err != nil {
		return nil, err
	}

	s := &schema.Summary{}
	for _, row := range rows {
		s.Total++
		if row.Status == 1 {
			s.Running++
		} else {
			s.Off++
		}
	}
	return s, nil
}
