package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

func Init(dbPath string) error {
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

	return Migrate(DB)
}

// Migrate creates or updates all tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Node{}, &Tunnel{}, &Setting{}); err != nil {
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

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Node helpers

func GetNode(id string) (*Node, error) {
	var n Node
	if err := DB.Where("id = ?", id).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func GetNodeByFingerprint(fingerprint string) (*Node, error) {
	var n Node
	if err := DB.Where("fingerprint = ?", fingerprint).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func CreateNode(n *Node) error {
	return DB.Create(n).Error
}

// nodeWriteMu serializes the two writers of a node row: re-registration and
// the relay-status report.
var nodeWriteMu sync.Mutex

// RefreshNode writes a re-registration of n. The relay fields are taken from
// the stored row, not from n, so a relay report that landed after n was read
// survives.
func RefreshNode(n *Node) error {
	nodeWriteMu.Lock()
	defer nodeWriteMu.Unlock()
	return DB.Transaction(func(tx *gorm.DB) error {
		var cur Node
		if err := tx.Where("id = ?", n.ID).First(&cur).Error; err != nil {
			return notFound(err)
		}
		n.Metadata.FRPConnected = cur.Metadata.FRPConnected
		n.Metadata.FRPRemotePort = cur.Metadata.FRPRemotePort
		return tx.Model(n).Select("status", "last_seen", "metadata").Updates(n).Error
	})
}

func DeleteNode(id string) error {
	res := DB.Where("id = ?", id).Delete(&Node{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func ListNodes() ([]Node, error) {
	var nodes []Node
	if err := DB.Order("registered_at").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// FirstNodeWithRole returns the earliest registered node holding role.
// Role lives inside the JSON metadata column, so rows are filtered in Go.
func FirstNodeWithRole(role Role) (*Node, error) {
	nodes, err := ListNodes()
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Metadata.Role == role {
			return &nodes[i], nil
		}
	}
	return nil, ErrNotFound
}

// UpdateRelayStatus records the agent's relay report. Disconnection clears
// the remote port so transport falls back to direct addressing. Only the
// metadata column is written.
func UpdateRelayStatus(id string, connected bool, remotePort int) (*Node, error) {
	nodeWriteMu.Lock()
	defer nodeWriteMu.Unlock()

	var n Node
	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&n).Error; err != nil {
			return notFound(err)
		}
		if connected && remotePort > 0 {
			n.Metadata.FRPConnected = true
			n.Metadata.FRPRemotePort = remotePort
		} else {
			n.Metadata.FRPConnected = false
			n.Metadata.FRPRemotePort = 0
		}
		return tx.Model(&n).Select("metadata").Updates(&n).Error
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkStaleNodes flips active nodes not seen since cutoff to inactive and
// returns how many rows changed.
func MarkStaleNodes(cutoff time.Time) (int64, error) {
	res := DB.Model(&Node{}).
		Where("status = ? AND last_seen < ?", StatusActive, cutoff).
		Update("status", StatusInactive)
	return res.RowsAffected, res.Error
}

func CountNodes() (total, active int64, err error) {
	if err = DB.Model(&Node{}).Count(&total).Error; err != nil {
		return
	}
	err = DB.Model(&Node{}).Where("status = ?", StatusActive).Count(&active).Error
	return
}

// Tunnel helpers

func GetTunnel(id string) (*Tunnel, error) {
	var t Tunnel
	if err := DB.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func CreateTunnel(t *Tunnel) error {
	return DB.Create(t).Error
}

func SaveTunnel(t *Tunnel) error {
	return DB.Save(t).Error
}

func DeleteTunnel(id string) error {
	res := DB.Where("id = ?", id).Delete(&Tunnel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func ListTunnels() ([]Tunnel, error) {
	var tunnels []Tunnel
	if err := DB.Order("created_at").Find(&tunnels).Error; err != nil {
		return nil, err
	}
	return tunnels, nil
}

func ListActiveTunnels() ([]Tunnel, error) {
	var tunnels []Tunnel
	if err := DB.Where("status = ?", StatusActive).Order("created_at").Find(&tunnels).Error; err != nil {
		return nil, err
	}
	return tunnels, nil
}

func CountTunnels() (total, active int64, err error) {
	if err = DB.Model(&Tunnel{}).Count(&total).Error; err != nil {
		return
	}
	err = DB.Model(&Tunnel{}).Where("status = ?", StatusActive).Count(&active).Error
	return
}

// Store exposes the package helpers as methods so components can depend on
// narrow interfaces instead of the global handle.
type Store struct{}

func (Store) GetNode(id string) (*Node, error)              { return GetNode(id) }
func (Store) GetNodeByFingerprint(fp string) (*Node, error) { return GetNodeByFingerprint(fp) }
func (Store) CreateNode(n *Node) error                      { return CreateNode(n) }
func (Store) RefreshNode(n *Node) error                     { return RefreshNode(n) }
func (Store) FirstNodeWithRole(role Role) (*Node, error)    { return FirstNodeWithRole(role) }
func (Store) ListActiveTunnels() ([]Tunnel, error)          { return ListActiveTunnels() }
