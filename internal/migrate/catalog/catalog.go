// Package catalog declares the shipped migrations. The order in All is
// execution order; RunPending walks it front to back.
package catalog

import "github.com/roach88/loom/internal/migrate"

// All returns every shipped migration in declaration order.
func All() []migrate.Migration {
	return []migrate.Migration{
		TagCountsReset{},
	}
}
