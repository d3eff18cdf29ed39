package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

// storeError wraps err with op, tagging connection failures with
// models.ErrStorageUnavailable.
func storeError(op string, err error) error {
	if isConnError(err) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
