package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"icnaas/pkg/model"
	"icnaas/pkg/store"
)

type routerRow struct {
	PublicIP string `gorm:"primaryKey;size:64"`
	Hostname string `gorm:"size:255;not null"`
	CoordX   *float64
	CoordY   *float64
	Layer    int `gorm:"not null;index"`
	CellID   int `gorm:"not null;default:0"`
}

func (routerRow) TableName() string { return "routers" }

type prefixRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	URL       string `gorm:"size:1024;not null"`
	Balancing int    `gorm:"not null;default:0"`
}

func (prefixRow) TableName() string { return "prefixes" }

type routeRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	RouterIP  string    `gorm:"size:64;not null;index"`
	PrefixID  int64     `gorm:"not null;index"`
	NextHop   string    `gorm:"size:64;not null;index"`
	Balancing int       `gorm:"not null;default:0"`
	Router    routerRow `gorm:"foreignKey:RouterIP;references:PublicIP;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Prefix    prefixRow `gorm:"foreignKey:PrefixID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Hop       routerRow `gorm:"foreignKey:NextHop;references:PublicIP;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

func (routeRow) TableName() string { return "routes" }

func toRouter(r routerRow) model.Router {
	return model.Router{PublicIP: r.PublicIP, Hostname: r.Hostname, CoordX: r.CoordX, CoordY: r.CoordY, Layer: r.Layer, CellID: r.CellID}
}

func toRoute(r routeRow) model.Route {
	return model.Route{ID: r.ID, RouterIP: r.RouterIP, PrefixID: r.PrefixID, NextHop: r.NextHop, Balancing: r.Balancing}
}

// Store is the MySQL-backed Router Store.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin tx: %w", tx.Error)
	}
	defer tx.Rollback()
	return fn(&gormTx{db: tx})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db *gorm.DB
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// MySQL server errors that mean a key or a reference is in the way.
const (
	errDupEntry    = 1062
	errRowIsParent = 1451
	errNoParentRow = 1452
)

func mapConstraint(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDupEntry, errRowIsParent, errNoParentRow:
			return fmt.Errorf("%v: %w", err, store.ErrConflict)
		}
	}
	return err
}

func rowsAffected(res *gorm.DB, what string) error {
	if res.Error != nil {
		return fmt.Errorf("%s: %w", what, mapConstraint(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

func (t *gormTx) Routers() ([]model.Router, error) {
	var rows []routerRow
	if err := t.db.Order("layer, public_ip").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list routers: %w", err)
	}
	out := make([]model.Router, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRouter(r))
	}
	return out, nil
}

func (t *gormTx) Router(ip string) (model.Router, error) {
	var row routerRow
	if err := t.db.Where("public_ip = ?", ip).Take(&row).Error; err != nil {
		return model.Router{}, notFound(err, "router "+ip)
	}
	return toRouter(row), nil
}

func (t *gormTx) taken(ip string) (bool, error) {
	var n int64
	err := t.db.Model(&routerRow{}).Where("public_ip = ?", ip).Count(&n).Error
	return n > 0, err
}

func (t *gormTx) InsertRouter(r model.Router) error {
	taken, err := t.taken(r.PublicIP)
	if err != nil {
		return fmt.Errorf("check router %s: %w", r.PublicIP, err)
	}
	if taken {
		return fmt.Errorf("router %s: %w", r.PublicIP, store.ErrConflict)
	}
	row := routerRow{PublicIP: r.PublicIP, Hostname: r.Hostname, CoordX: r.CoordX, CoordY: r.CoordY, Layer: r.Layer, CellID: r.CellID}
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert router %s: %w", r.PublicIP, mapConstraint(err))
	}
	return nil
}

// UpdateRouter checks the key up front: the driver reports changed rows,
// not matched ones, so an unchanged row would look missing.
func (t *gormTx) UpdateRouter(ip string, r model.Router) error {
	exists, err := t.taken(ip)
	if err != nil {
		return fmt.Errorf("check router %s: %w", ip, err)
	}
	if !exists {
		return fmt.Errorf("router %s: %w", ip, store.ErrNotFound)
	}
	if r.PublicIP != ip {
		taken, err := t.taken(r.PublicIP)
		if err != nil {
			return fmt.Errorf("check router %s: %w", r.PublicIP, err)
		}
		if taken {
			return fmt.Errorf("router %s: %w", r.PublicIP, store.ErrConflict)
		}
	}
	res := t.db.Model(&routerRow{}).Where("public_ip = ?", ip).Updates(map[string]any{
		"public_ip": r.PublicIP,
		"hostname":  r.Hostname,
		"coord_x":   r.CoordX,
		"coord_y":   r.CoordY,
		"layer":     r.Layer,
		"cell_id":   r.CellID,
	})
	if res.Error != nil {
		return fmt.Errorf("update router %s: %w", ip, mapConstraint(res.Error))
	}
	return nil
}

func (t *gormTx) DeleteRouter(ip string) error {
	return rowsAffected(t.db.Where("public_ip = ?", ip).Delete(&routerRow{}), "delete router "+ip)
}

func (t *gormTx) Prefixes() ([]model.Prefix, error) {
	var rows []prefixRow
	if err := t.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list prefixes: %w", err)
	}
	out := make([]model.Prefix, 0, len(rows))
	for _, p := range rows {
		out = append(out, model.Prefix(p))
	}
	return out, nil
}

func (t *gormTx) Prefix(id int64) (model.Prefix, error) {
	var row prefixRow
	if err := t.db.Where("id = ?", id).Take(&row).Error; err != nil {
		return model.Prefix{}, notFound(err, fmt.Sprintf("prefix %d", id))
	}
	return model.Prefix(row), nil
}

func (t *gormTx) InsertPrefix(p model.Prefix) (model.Prefix, error) {
	row := prefixRow{URL: p.URL, Balancing: p.Balancing}
	if err := t.db.Create(&row).Error; err != nil {
		return model.Prefix{}, fmt.Errorf("insert prefix %s: %w", p.URL, err)
	}
	return model.Prefix(row), nil
}

func (t *gormTx) UpdatePrefix(p model.Prefix) error {
	var n int64
	if err := t.db.Model(&prefixRow{}).Where("id = ?", p.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("check prefix %d: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("prefix %d: %w", p.ID, store.ErrNotFound)
	}
	err := t.db.Model(&prefixRow{}).Where("id = ?", p.ID).Updates(map[string]any{"url": p.URL, "balancing": p.Balancing}).Error
	if err != nil {
		return fmt.Errorf("update prefix %d: %w", p.ID, err)
	}
	return nil
}

func (t *gormTx) DeletePrefix(id int64) error {
	return rowsAffected(t.db.Where("id = ?", id).Delete(&prefixRow{}), fmt.Sprintf("delete prefix %d", id))
}

func (t *gormTx) Routes(f store.RouteFilter) ([]model.Route, error) {
	q := t.db.Model(&routeRow{})
	if f.RouterIP != "" {
		q = q.Where("router_ip = ?", f.RouterIP)
	}
	if f.NextHop != "" {
		q = q.Where("next_hop = ?", f.NextHop)
	}
	if f.PrefixID != 0 {
		q = q.Where("prefix_id = ?", f.PrefixID)
	}
	var rows []routeRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	out := make([]model.Route, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRoute(r))
	}
	return out, nil
}

func (t *gormTx) Route(id int64) (model.Route, error) {
	var row routeRow
	if err := t.db.Where("id = ?", id).Take(&row).Error; err != nil {
		return model.Route{}, notFound(err, fmt.Sprintf("route %d", id))
	}
	return toRoute(row), nil
}

func (t *gormTx) InsertRoute(r model.Route) (model.Route, error) {
	row := routeRow{RouterIP: r.RouterIP, PrefixID: r.PrefixID, NextHop: r.NextHop, Balancing: r.Balancing}
	if err := t.db.Omit(clause.Associations).Create(&row).Error; err != nil {
		return model.Route{}, fmt.Errorf("insert route %s->%s: %w", r.RouterIP, r.NextHop, mapConstraint(err))
	}
	return toRoute(row), nil
}

func (t *gormTx) DeleteRoute(id int64) error {
	return rowsAffected(t.db.Where("id = ?", id).Delete(&routeRow{}), fmt.Sprintf("delete route %d", id))
}
