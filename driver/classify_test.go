package driver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"sqlite table locked", errors.New("database table is locked (6) (SQLITE_LOCKED)"), true},
		{"busy message", errors.New("database is busy"), true},
		{"disk io", errors.New("disk I/O error (10) (SQLITE_IOERR)"), true},
		{"lock timeout", errors.New("lock timeout"), true},
		{"bad connection", errors.New("driver: bad connection"), true},
		{"wrapped busy", fmt.Errorf("exec: %w", errors.New("database is locked")), true},
		{"syntax", errors.New(`near "SELEC": syntax error`), false},
		{"constraint", errors.New("UNIQUE constraint failed: messages.id"), false},
		{"corruption", errors.New("database disk image is malformed"), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, Transient(tt.err))
		})
	}
}
