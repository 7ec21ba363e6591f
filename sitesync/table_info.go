// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// TableInfo holds cached information about a table's structure
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
	byName  map[string]int
}

// Column returns the named column or nil.
func (t *TableInfo) Column(name string) *ColumnInfo {
	i, ok := t.byName[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return &t.Columns[i]
}

func (t *TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// TableInfoProvider manages cached table information
type TableInfoProvider struct {
	dialect Dialect
	cache   map[string]*TableInfo
	mutex   sync.RWMutex
}

func NewTableInfoProvider(dialect Dialect) *TableInfoProvider {
	return &TableInfoProvider{dialect: dialect, cache: make(map[string]*TableInfo)}
}

// Get retrieves table information, using cache when available
func (p *TableInfoProvider) Get(ctx context.Context, q queryer, table string) (*TableInfo, error) {
	key := strings.ToLower(table)

	p.mutex.RLock()
	if info, ok := p.cache[key]; ok {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if info, ok := p.cache[key]; ok {
		return info, nil
	}

	cols, err := p.dialect.describeTable(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	info := &TableInfo{Table: key, Columns: cols, byName: make(map[string]int, len(cols))}
	for i, c := range cols {
		info.byName[strings.ToLower(c.Name)] = i
	}
	p.cache[key] = info
	return info, nil
}

// Invalidate drops cached entries, e.g. after a migration.
func (p *TableInfoProvider) Invalidate() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cache = make(map[string]*TableInfo)
}
