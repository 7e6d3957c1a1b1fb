package rls

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Operation is a SQL statement class checked against the allow-list
type Operation string

const (
	OpSelect Operation = "SELECT"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation normalizes op and reports whether it is known
func ParseOperation(op string) (Operation, bool) {
	switch o := Operation(strings.ToUpper(strings.TrimSpace(op))); o {
	case OpSelect, OpInsert, OpUpdate, OpDelete:
		return o, true
	default:
		return "", false
	}
}

// TableRules maps a table name to its allowed operations
type TableRules map[string][]Operation

// PolicyDocument is the YAML form of a table policy
//
//	default:
//	  orders: [SELECT, INSERT, UPDATE]
//	tenants:
//	  "42":
//	    payments: [SELECT]
//	    orders: []
//
// A tenant entry replaces the default rule for that table; an empty list
// revokes the table for that tenant.
type PolicyDocument struct {
	Default TableRules            `yaml:"default"`
	Tenants map[string]TableRules `yaml:"tenants"`
}

type compiledPolicy struct {
	defaults map[string]map[Operation]bool
	tenants  map[int64]map[string]map[Operation]bool
}

// TablePolicy is the per-tenant table allow-list. It is safe for concurrent
// use; Replace swaps the whole rule set atomically.
type TablePolicy struct {
	current atomic.Pointer[compiledPolicy]
}

// NewTablePolicy compiles doc into a policy
func NewTablePolicy(doc PolicyDocument) (*TablePolicy, error) {
	p := &TablePolicy{}
	if err := p.Replace(doc); err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultTablePolicy returns the built-in allow-list for tenant-scoped tables
func DefaultTablePolicy() *TablePolicy {
	crud := []Operation{OpSelect, OpInsert, OpUpdate, OpDelete}
	p, _ := NewTablePolicy(PolicyDocument{
		Default: TableRules{
			"restaurants":  {OpSelect, OpUpdate},
			"users":        crud,
			"customers":    crud,
			"orders":       {OpSelect, OpInsert, OpUpdate},
			"order_items":  crud,
			"products":     crud,
			"categories":   crud,
			"inventory":    crud,
			"employees":    crud,
			"payments":     {OpSelect, OpInsert},
			"user_consent": {OpSelect, OpInsert, OpUpdate},
		},
	})
	return p
}

// LoadPolicyFile reads a YAML policy document from path
func LoadPolicyFile(path string) (PolicyDocument, error) {
	var doc PolicyDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("failed to read table policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse table policy %s: %w", path, err)
	}
	return doc, nil
}

// Replace compiles doc and swaps it in. On error the previous rules stay.
func (p *TablePolicy) Replace(doc PolicyDocument) error {
	compiled := &compiledPolicy{
		tenants: make(map[int64]map[string]map[Operation]bool, len(doc.Tenants)),
	}

	var err error
	if compiled.defaults, err = compileRules(doc.Default); err != nil {
		return fmt.Errorf("default rules: %w", err)
	}

	for key, rules := range doc.Tenants {
		tenantID, err := strconv.ParseInt(key, 10, 64)
		if err != nil || tenantID <= 0 {
			return fmt.Errorf("invalid tenant key %q", key)
		}
		if compiled.tenants[tenantID], err = compileRules(rules); err != nil {
			return fmt.Errorf("tenant %d rules: %w", tenantID, err)
		}
	}

	p.current.Store(compiled)
	return nil
}

func compileRules(rules TableRules) (map[string]map[Operation]bool, error) {
	out := make(map[string]map[Operation]bool, len(rules))
	for table, ops := range rules {
		name := normalizeTable(table)
		if name == "" {
			return nil, fmt.Errorf("empty table name")
		}
		set := make(map[Operation]bool, len(ops))
		for _, op := range ops {
			parsed, ok := ParseOperation(string(op))
			if !ok {
				return nil, fmt.Errorf("table %s: unknown operation %q", name, op)
			}
			set[parsed] = true
		}
		out[name] = set
	}
	return out, nil
}

func normalizeTable(table string) string {
	return strings.ToLower(strings.TrimSpace(table))
}

// Allows reports whether tenantID may run op against table. Unknown tables
// and operations are denied.
func (p *TablePolicy) Allows(tenantID int64, table string, op string) bool {
	compiled := p.current.Load()
	if compiled == nil {
		return false
	}
	operation, ok := ParseOperation(op)
	if !ok {
		return false
	}
	name := normalizeTable(table)

	if overrides, ok := compiled.tenants[tenantID]; ok {
		if ops, ok := overrides[name]; ok {
			return ops[operation]
		}
	}
	return compiled.defaults[name][operation]
}

// Tables returns the sorted tables visible to tenantID with any operation
func (p *TablePolicy) Tables(tenantID int64) []string {
	compiled := p.current.Load()
	if compiled == nil {
		return nil
	}

	visible := make(map[string]bool)
	for table, ops := range compiled.defaults {
		visible[table] = len(ops) > 0
	}
	for table, ops := range compiled.tenants[tenantID] {
		visible[table] = len(ops) > 0
	}

	tables := make([]string, 0, len(visible))
	for table, ok := range visible {
		if ok {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	return tables
}
