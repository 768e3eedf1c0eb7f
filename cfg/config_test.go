package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withTestConfig swaps in a valid baseline configuration and restores the
// package default afterwards.
func withTestConfig(t *testing.T, mutate func(*Configuration)) error {
	t.Helper()

	saved := Config
	t.Cleanup(func() { Config = saved })

	conf := &Configuration{
		EndpointA: EndpointConfiguration{
			ID:          "a",
			Type:        EndpointPostgreSQL,
			Host:        "pg.internal",
			Port:        5432,
			Database:    "app",
			User:        "repl",
			Password:    "secret",
			SlotName:    "sqlbridge_slot",
			Publication: "sqlbridge_pub",
		},
		EndpointB: EndpointConfiguration{
			ID:       "b",
			Type:     EndpointMySQL,
			Host:     "mysql.internal",
			Port:     3306,
			Database: "app",
			User:     "repl",
			Password: "secret",
			ServerID: 4417,
		},
		Sync: SyncConfiguration{
			EnableBidirectional:       true,
			ConflictResolution:        ConflictLastWriteWins,
			LoopGuard:                 LoopGuardSession,
			Tables:                    []string{"users"},
			BatchSize:                 100,
			MaxRetries:                3,
			CheckpointIntervalSeconds: 5,
			ConflictWindowSeconds:     5,
		},
		Admin: AdminConfiguration{Enabled: true, Address: "0.0.0.0", Port: 8980},
	}
	if mutate != nil {
		mutate(conf)
	}
	Config = conf
	return Validate()
}

func TestValidateBaseline(t *testing.T) {
	require.NoError(t, withTestConfig(t, nil))
}

func TestValidateRejectsMissingTables(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.Sync.Tables = nil })
	assert.ErrorContains(t, err, "tables")
}

func TestValidateRejectsBadEndpointType(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.EndpointB.Type = "oracle" })
	assert.ErrorContains(t, err, "invalid type")
}

func TestValidateRejectsDuplicateEndpointIDs(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.EndpointB.ID = "a" })
	assert.ErrorContains(t, err, "distinct ids")
}

func TestValidateRequiresSlotForPostgres(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.EndpointA.SlotName = "" })
	assert.ErrorContains(t, err, "slot_name")
}

func TestValidateRejectsUnknownPlugin(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.EndpointA.Plugin = "test_decoding" })
	assert.ErrorContains(t, err, "plugin")
}

func TestValidateRejectsBadBatchSize(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.Sync.BatchSize = 0 })
	assert.ErrorContains(t, err, "batch_size")
}

func TestValidateRejectsNegativeWindow(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.Sync.ConflictWindowSeconds = -1 })
	assert.ErrorContains(t, err, "conflict_window_seconds")
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.Sync.ConflictResolution = "coin_flip" })
	assert.ErrorContains(t, err, "conflict_resolution")
}

func TestValidateRejectsBadSink(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) {
		c.Sinks = []SinkConfiguration{{Type: "nats"}}
	})
	assert.ErrorContains(t, err, "nats_url")

	err = withTestConfig(t, func(c *Configuration) {
		c.Sinks = []SinkConfiguration{{Type: "carrier-pigeon"}}
	})
	assert.ErrorContains(t, err, "unknown sink type")
}

func TestValidateRejectsBadPort(t *testing.T) {
	err := withTestConfig(t, func(c *Configuration) { c.EndpointA.Port = 0 })
	assert.ErrorContains(t, err, "port")
}

func TestGenerateServerIDStablePerEndpoint(t *testing.T) {
	a1, err := generateServerID("a")
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}
	a2, err := generateServerID("a")
	require.NoError(t, err)
	b, err := generateServerID("b")
	require.NoError(t, err)

	assert.Equal(t, a1, a2, "server id must be stable across restarts")
	assert.NotEqual(t, a1, b, "endpoints on one machine need distinct ids")
	assert.NotZero(t, a1)
}
