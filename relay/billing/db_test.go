package billing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/aetherlab/aether/model"
)

var testDBSeq int

// setupTestDB points model.DB at a fresh in-memory database and clears the
// rule cache so tests do not observe each other.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:billing_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         glogger.Default.LogMode(glogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.GlobalModel{},
		&model.Model{},
		&model.DimensionCollector{},
	))

	prev := model.DB
	model.DB = db
	InvalidateAll()
	t.Cleanup(func() {
		model.DB = prev
		InvalidateAll()
	})
	return db
}

func seedModel(t *testing.T, db *gorm.DB, name string, pricing string) {
	t.Helper()
	cfg := fmt.Sprintf(`{"pricing": %s}`, pricing)
	require.NoError(t, db.Create(&model.GlobalModel{Name: name, Config: cfg, Enabled: true}).Error)
}
