package logrepl

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/mypgmirror/backend"
	"github.com/apecloud/mypgmirror/mirror"
)

func newIdleReplicator(t *testing.T) *Replicator {
	t.Helper()
	pool, err := backend.NewConnectionPool("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	r, err := NewReplicator(Config{
		Catalog:      &stubCatalog{},
		Pool:         pool,
		RemoteDSN:    "postgres://localhost:5432/src",
		Publication:  "mirror_pub",
		MetadataPath: filepath.Join(t.TempDir(), "checkpoint"),
	})
	require.NoError(t, err)
	return r
}

type stubCatalog struct{}

func (s *stubCatalog) Name() string { return "mirrored" }

func (s *stubCatalog) CreateTable(*sql.Context, string, sql.PrimaryKeySchema, sql.CollationID, string) error {
	return nil
}

func (s *stubCatalog) TryGetTable(*sql.Context, string) (sql.Table, bool, error) {
	return nil, false, nil
}

func TestNewReplicatorValidation(t *testing.T) {
	_, err := NewReplicator(Config{})
	require.Error(t, err)

	pool, err := backend.NewConnectionPool("")
	require.NoError(t, err)
	defer pool.Close()

	_, err = NewReplicator(Config{Catalog: &stubCatalog{}, Pool: pool, Publication: "p"})
	require.ErrorContains(t, err, "remote DSN")

	_, err = NewReplicator(Config{Catalog: &stubCatalog{}, Pool: pool, RemoteDSN: "postgres://x"})
	require.ErrorContains(t, err, "publication")
}

func TestReplicationDSN(t *testing.T) {
	r := newIdleReplicator(t)
	require.Equal(t, "postgres://localhost:5432/src?replication=database", r.ReplicationDSN())

	r.remoteDSN = "postgres://localhost:5432/src?sslmode=disable"
	require.Equal(t, "postgres://localhost:5432/src?sslmode=disable&replication=database", r.ReplicationDSN())
}

func TestSlotNameDefaultsToPublication(t *testing.T) {
	r := newIdleReplicator(t)
	require.Equal(t, "mirror_pub", r.slotName)
}

func TestSinkRegistrationLifecycle(t *testing.T) {
	r := newIdleReplicator(t)

	ph := mirror.NewPlaceholder("mirrored", "orders")
	require.NoError(t, r.RegisterSink("orders", ph))

	got, ok := r.sink("ORDERS")
	require.True(t, ok)
	require.Equal(t, "orders", got.Name())
	require.Equal(t, []string{"orders"}, r.sinkNames())

	r.DeregisterSink("orders")
	_, ok = r.sink("orders")
	require.False(t, ok)
	require.Empty(t, r.sinkNames())
}

func TestDeregisterSinkWaitsForInFlightApply(t *testing.T) {
	r := newIdleReplicator(t)
	require.NoError(t, r.RegisterSink("orders", mirror.NewPlaceholder("mirrored", "orders")))

	applyEntered := make(chan struct{})
	releaseApply := make(chan struct{})
	applyDone := make(chan struct{})
	var applied bool
	var applyErr error
	go func() {
		defer close(applyDone)
		applied, applyErr = r.applySinkChange("orders", func() error {
			close(applyEntered)
			<-releaseApply
			return nil
		})
	}()
	<-applyEntered

	deregDone := make(chan struct{})
	go func() {
		r.DeregisterSink("orders")
		close(deregDone)
	}()

	// The drop path must not get its acknowledgement while the table's
	// write is still in flight.
	select {
	case <-deregDone:
		t.Fatal("deregistration returned during an in-flight apply")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseApply)
	<-applyDone
	require.NoError(t, applyErr)
	require.True(t, applied)

	select {
	case <-deregDone:
	case <-time.After(time.Second):
		t.Fatal("deregistration did not return after the apply finished")
	}

	// Changes arriving after deregistration are dropped without running.
	applied, err := r.applySinkChange("orders", func() error {
		t.Fatal("apply ran for a deregistered table")
		return nil
	})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestCopyDataKind(t *testing.T) {
	kind, ok := copyDataKind([]byte{pglogrepl.XLogDataByteID, 0x01})
	require.True(t, ok)
	require.Equal(t, byte(pglogrepl.XLogDataByteID), kind)

	_, ok = copyDataKind([]byte{})
	require.False(t, ok)
	_, ok = copyDataKind(nil)
	require.False(t, ok)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	r := newIdleReplicator(t)
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	require.False(t, r.Running())
}

func TestStopAndReleaseWithoutStart(t *testing.T) {
	r := newIdleReplicator(t)

	// Never started: nothing remote to release; the session just ends.
	require.NoError(t, r.StopAndRelease())
	require.NoError(t, r.StopAndRelease())

	// A released session cannot be restarted.
	require.ErrorContains(t, r.Start(), "released")

	// And no new sinks may join it.
	err := r.RegisterSink("orders", mirror.NewPlaceholder("mirrored", "orders"))
	require.Error(t, err)
}
