package spawnable

import (
	"testing"

	"prefabcore/testutil"
)

// TestNoBackendImports ensures packaging writes through the blob facade only.
func TestNoBackendImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(
		testutil.InfraImportForbidden,
		func(p string) bool { return p == testutil.Module+"/internal/infra" },
	), "spawnable packaging must use internal/blob")
}
