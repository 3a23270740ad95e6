package corectx

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relaygate/gateway/internal/httpclient"
	"github.com/relaygate/gateway/internal/model"
)

func TestNew_WiresEveryManager(t *testing.T) {
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	model.DB = db
	model.InvalidateConfigCache()

	httpclient.Upstream = &http.Client{}
	httpclient.Impatient = &http.Client{}

	cc, err := New(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cc.Health)
	require.NotNil(t, cc.Adaptive)
	require.NotNil(t, cc.Admission)
	require.NotNil(t, cc.Affinity)
	require.NotNil(t, cc.Planner)
	require.NotNil(t, cc.Executor)
	require.NotNil(t, cc.Billing)
	require.NotNil(t, cc.Redis)
	require.False(t, cc.Redis.Enabled())
}

func TestNew_RequiresDBAndHTTPClient(t *testing.T) {
	model.DB = nil
	httpclient.Upstream = nil
	_, err := New(context.Background())
	require.Error(t, err)
}
