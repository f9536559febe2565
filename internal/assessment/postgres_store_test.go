//go:build integration

package assessment

import (
	"context"
	"testing"

	"github.com/mbd888/riskdesk/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	storeSuite(t, store)
}
