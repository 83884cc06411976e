// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

type RuleRef struct {
	RuleID   string `db:"rule_id"`
	ParentID string `db:"parent_id"`
	ChildID  string `db:"child_id"`
	Active   int    `db:"active"`
}

// UpsertRuleRef records that a rule binds to a specific source or sink.
// Unique per (rule, parent, child); re-saving a rule keeps existing rows.
func (r *Repository) UpsertRuleRef(ruleID, parentID, childID string) error {
	_, err := r.DB.Exec(
		`INSERT INTO rule_refs (rule_id, parent_id, child_id, active) VALUES (?, ?, ?, 0)
		 ON CONFLICT (rule_id, parent_id, child_id) DO NOTHING`,
		ruleID, parentID, childID)
	return err
}

func (r *Repository) ActivateRuleRefs(ruleID string) error {
	_, err := r.DB.Exec(`UPDATE rule_refs SET active = 1 WHERE rule_id = ?`, ruleID)
	return err
}

func (r *Repository) DeactivateRuleRefs(ruleID string) error {
	_, err := r.DB.Exec(`UPDATE rule_refs SET active = 0 WHERE rule_id = ?`, ruleID)
	return err
}

func (r *Repository) DeleteRuleRefsByRule(ruleID string) error {
	_, err := r.DB.Exec(`DELETE FROM rule_refs WHERE rule_id = ?`, ruleID)
	return err
}

func (r *Repository) ListRuleRefsByRule(ruleID string) ([]*RuleRef, error) {
	refs := []*RuleRef{}
	err := r.DB.Select(&refs, `SELECT * FROM rule_refs WHERE rule_id = ?`, ruleID)
	return refs, err
}

// ListRuleRefsByChild lists references held on a source/sink regardless of
// which rule owns them.
func (r *Repository) ListRuleRefsByChild(childID string) ([]*RuleRef, error) {
	refs := []*RuleRef{}
	err := r.DB.Select(&refs, `SELECT * FROM rule_refs WHERE child_id = ?`, childID)
	return refs, err
}

func (r *Repository) CountRuleRefsByParent(parentID string) (int, error) {
	var count int
	err := r.DB.Get(&count, `SELECT COUNT(*) FROM rule_refs WHERE parent_id = ? OR child_id = ?`, parentID, parentID)
	return count, err
}
