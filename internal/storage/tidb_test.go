package storage

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoundRowsDSN(t *testing.T) {
	for _, dsn := range []string{
		"root:@tcp(db:4000)/labsign?parseTime=True&loc=UTC",
		"root:@tcp(db:4000)/labsign?parseTime=True&loc=UTC&clientFoundRows=false",
		"root:@tcp(db:4000)/labsign?parseTime=True&loc=UTC&clientFoundRows=true",
	} {
		out, err := foundRowsDSN(dsn)
		require.NoError(t, err, dsn)

		cfg, err := mysql.ParseDSN(out)
		require.NoError(t, err)
		assert.True(t, cfg.ClientFoundRows, dsn)
		assert.True(t, cfg.ParseTime, dsn)
		assert.Equal(t, "labsign", cfg.DBName)
		assert.Equal(t, "db:4000", cfg.Addr)
	}
}

func TestFoundRowsDSNRejectsGarbage(t *testing.T) {
	_, err := foundRowsDSN("not a dsn")
	assert.Error(t, err)
}
