package snapshot

import (
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// systemDefaults pins the fallback policy a bare install starts with, per
// original_source/duckdb-api-service/src/snapshot_config.py's SYSTEM_DEFAULTS.
func systemDefaults() ResolvedPolicy {
	return ResolvedPolicy{
		Enabled: true,
		Triggers: types.AutoSnapshotTriggers{
			DropTable:     boolPtr(true),
			TruncateTable: boolPtr(false),
			DeleteAllRows: boolPtr(false),
			DropColumn:    boolPtr(false),
		},
		ManualRetentionDays: 90,
		AutoRetentionDays:   7,
	}
}

func boolPtr(b bool) *bool { return &b }

// ResolvedPolicy is a fully materialized snapshot policy with no
// remaining unset fields, the result of deep-merging every applicable
// layer from system down to table.
type ResolvedPolicy struct {
	Enabled             bool
	Triggers            types.AutoSnapshotTriggers
	ManualRetentionDays int
	AutoRetentionDays   int
}

// Resolver deep-merges the system/project/bucket/table snapshot-settings
// layers (§4.4), each layer overriding only the leaves it explicitly sets.
type Resolver struct {
	cat *catalog.Catalog
}

func NewResolver(cat *catalog.Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// Resolve computes the effective policy for (bucket, table), merging
// system -> project -> bucket -> table in that order.
func (r *Resolver) Resolve(project, bucket, table string) (ResolvedPolicy, error) {
	policy := systemDefaults()

	layers := []struct {
		scope types.SnapshotScope
		id    string
	}{
		{types.ScopeProject, project},
		{types.ScopeBucket, project + "/" + bucket},
		{types.ScopeTable, project + "/" + bucket + "/" + table},
	}

	for _, layer := range layers {
		settings, err := r.cat.GetSnapshotSettings(layer.scope, layer.id)
		if err != nil {
			return ResolvedPolicy{}, err
		}
		if settings == nil {
			continue
		}
		applyLayer(&policy, settings)
	}

	return policy, nil
}

func applyLayer(dst *ResolvedPolicy, layer *types.SnapshotSettings) {
	if layer.Enabled != nil {
		dst.Enabled = *layer.Enabled
	}
	if layer.AutoSnapshotTriggers.DropTable != nil {
		dst.Triggers.DropTable = layer.AutoSnapshotTriggers.DropTable
	}
	if layer.AutoSnapshotTriggers.TruncateTable != nil {
		dst.Triggers.TruncateTable = layer.AutoSnapshotTriggers.TruncateTable
	}
	if layer.AutoSnapshotTriggers.DeleteAllRows != nil {
		dst.Triggers.DeleteAllRows = layer.AutoSnapshotTriggers.DeleteAllRows
	}
	if layer.AutoSnapshotTriggers.DropColumn != nil {
		dst.Triggers.DropColumn = layer.AutoSnapshotTriggers.DropColumn
	}
	if layer.Retention.ManualDays != nil {
		dst.ManualRetentionDays = *layer.Retention.ManualDays
	}
	if layer.Retention.AutoDays != nil {
		dst.AutoRetentionDays = *layer.Retention.AutoDays
	}
}

// TriggeredFor reports whether trigger ("drop_table", "truncate_table",
// "delete_all_rows", "drop_column") should mint an automatic snapshot
// under this resolved policy.
func (p ResolvedPolicy) TriggeredFor(trigger string) bool {
	if !p.Enabled {
		return false
	}
	switch trigger {
	case "drop_table":
		return p.Triggers.DropTable != nil && *p.Triggers.DropTable
	case "truncate_table":
		return p.Triggers.TruncateTable != nil && *p.Triggers.TruncateTable
	case "delete_all_rows":
		return p.Triggers.DeleteAllRows != nil && *p.Triggers.DeleteAllRows
	case "drop_column":
		return p.Triggers.DropColumn != nil && *p.Triggers.DropColumn
	default:
		return false
	}
}
