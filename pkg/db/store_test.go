package db

import (
	"database/sql/driver"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"icnaas/pkg/store"
)

func TestMapConstraint(t *testing.T) {
	for _, num := range []uint16{errDupEntry, errRowIsParent, errNoParentRow} {
		err := fmt.Errorf("exec: %w", &mysql.MySQLError{Number: num, Message: "constraint"})
		assert.ErrorIs(t, mapConstraint(err), store.ErrConflict, "error %d", num)
	}

	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	err := mapConstraint(deadlock)
	assert.NotErrorIs(t, err, store.ErrConflict)
	assert.ErrorIs(t, err, deadlock)

	err = mapConstraint(driver.ErrBadConn)
	assert.NotErrorIs(t, err, store.ErrConflict)
	assert.ErrorIs(t, err, driver.ErrBadConn)
}
