package shelf

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the sqlite database holding volumes, access grants and the
// search index. It is a value passed around explicitly so tests can run
// against isolated databases.
type Store struct {
	db *gorm.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&Volume{},
		&AccessGrant{},
		&IndexRecord{},
	)
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}
