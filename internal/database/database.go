package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/helmdeck/helmdeck/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Endpoint{}, &Setting{}, &User{}, &UserEndpoint{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func DeleteUser(id uint) error {
	DB.Where("user_id = ?", id).Delete(&UserEndpoint{})
	return DB.Delete(&User{}, id).Error
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Policy helpers

// SetUserPolicy updates a user's policy kind and, for "specific", replaces
// the membership set. For "all"/"none" the set rows are cleared.
func SetUserPolicy(userID uint, kind string, endpointIDs []string) error {
	if err := DB.Model(&User{}).Where("id = ?", userID).Update("policy_kind", kind).Error; err != nil {
		return err
	}
	DB.Where("user_id = ?", userID).Delete(&UserEndpoint{})
	if kind != PolicySpecific {
		return nil
	}
	for _, eid := range endpointIDs {
		if err := DB.Create(&UserEndpoint{UserID: userID, EndpointID: eid}).Error; err != nil {
			return err
		}
	}
	return nil
}

func GetUserEndpoints(userID uint) ([]string, error) {
	var rows []UserEndpoint
	if err := DB.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.EndpointID
	}
	return ids, nil
}

func IsUserAssignedToEndpoint(userID uint, endpointID string) bool {
	var count int64
	DB.Model(&UserEndpoint{}).Where("user_id = ? AND endpoint_id = ?", userID, endpointID).Count(&count)
	return count > 0
}

// Endpoint helpers

func GetEndpoint(id string) (*Endpoint, error) {
	var e Endpoint
	if err := DB.Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func ListEndpoints() ([]Endpoint, error) {
	var endpoints []Endpoint
	if err := DB.Order("created_at").Find(&endpoints).Error; err != nil {
		return nil, err
	}
	return endpoints, nil
}

func SaveEndpoint(e *Endpoint) error {
	return DB.Save(e).Error
}

func DeleteEndpoint(id string) error {
	DB.Where("endpoint_id = ?", id).Delete(&UserEndpoint{})
	return DB.Where("id = ?", id).Delete(&Endpoint{}).Error
}

func UpdateEndpointHealth(id, health string) error {
	return DB.Model(&Endpoint{}).Where("id = ?", id).
		Updates(map[string]interface{}{"health": health, "last_checked": gorm.Expr("CURRENT_TIMESTAMP")}).Error
}
