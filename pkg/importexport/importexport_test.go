package importexport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateFilterRejectsInjection(t *testing.T) {
	require.NoError(t, validateFilter("amount > 100"))
	require.Error(t, validateFilter("1=1; DROP TABLE data"))
	require.Error(t, validateFilter("amount > 100 OR (SELECT 1 FROM pragma_table_info('x'))"))
}

func TestBuildSelectionPassthroughWhenUnfiltered(t *testing.T) {
	sel := buildSelection(ExportOptions{})
	require.Equal(t, relationName, sel)
}

func TestBuildSelectionWithColumnsAndLimit(t *testing.T) {
	sel := buildSelection(ExportOptions{Columns: []string{"id", "name"}, Limit: 10})
	require.Contains(t, sel, `"id", "name"`)
	require.Contains(t, sel, "LIMIT 10")
}
