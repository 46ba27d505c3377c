package etcdqdb_integration_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pinus-go/pinus/pkg/dlock"
	"github.com/pinus-go/pinus/pkg/idgen"
	"github.com/pinus-go/pinus/qdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	EtcdPort        = 2379
	TestTimeout     = 10 * time.Second
	ComposerTimeout = 60
)

func runCompose(args []string) error {
	args2 := []string{}
	args2 = append(args2, "compose", "-f", "docker-compose.yaml", "-p", "etcdqdb_test")
	args2 = append(args2, args...)
	cmd := exec.Command("docker", args2...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to run 'docker %s': %s\n%s", strings.Join(args2, " "), err, out)
	}
	return nil
}

func Down() error {
	return runCompose([]string{"down", "-v"})
}

func Up() error {
	return runCompose([]string{"up", "-d", "--force-recreate", "-t", strconv.Itoa(ComposerTimeout)})
}

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Println("docker is not available, skipping etcd integration tests")
		os.Exit(0)
	}
	if err := Up(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	code := m.Run()
	_ = Down()
	os.Exit(code)
}

func connect(t *testing.T) *qdb.EtcdQDB {
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := qdb.NewEtcdQDB(ctx, []string{fmt.Sprintf("http://localhost:%d", EtcdPort)}, qdb.EtcdOptions{SessionTTL: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setupSubTest(t *testing.T) *qdb.EtcdQDB {
	db := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	_, err := db.Client().Delete(ctx, "", clientv3.WithPrefix())
	require.NoError(t, err)
	return db
}

func TestNodes(t *testing.T) {
	is := assert.New(t)
	db := setupSubTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	require.NoError(t, qdb.EnsurePath(ctx, db, "/pinus/tables"))

	_, err := db.Create(ctx, "/pinus/tables/orders", []byte("v0"), qdb.ModePersistent)
	is.NoError(err)
	_, err = db.Create(ctx, "/pinus/tables/orders", nil, qdb.ModePersistent)
	is.ErrorIs(err, qdb.ErrNodeExists)
	_, err = db.Create(ctx, "/pinus/missing/x", nil, qdb.ModePersistent)
	is.ErrorIs(err, qdb.ErrNoParent)

	v, err := db.SetData(ctx, "/pinus/tables/orders", []byte("v1"), 0)
	is.NoError(err)
	is.Equal(int64(1), v)
	_, err = db.SetData(ctx, "/pinus/tables/orders", []byte("v2"), 0)
	is.ErrorIs(err, qdb.ErrBadVersion)

	data, stat, err := db.GetData(ctx, "/pinus/tables/orders")
	is.NoError(err)
	is.Equal([]byte("v1"), data)
	is.Equal(int64(1), stat.Version)

	is.ErrorIs(db.Delete(ctx, "/pinus", qdb.AnyVersion), qdb.ErrNodeHasChildren)

	first, err := db.Create(ctx, "/pinus/tables/seq-", nil, qdb.ModePersistentSequential)
	is.NoError(err)
	second, err := db.Create(ctx, "/pinus/tables/seq-", nil, qdb.ModePersistentSequential)
	is.NoError(err)
	is.Less(first, second)

	children, err := db.GetChildren(ctx, "/pinus/tables")
	is.NoError(err)
	is.Len(children, 3)
}

func TestEphemeralNodesFollowSession(t *testing.T) {
	is := assert.New(t)
	db := setupSubTest(t)
	other := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	_, err := other.Create(ctx, "/eph", nil, qdb.ModeEphemeral)
	require.NoError(t, err)

	gone := make(chan struct{}, 1)
	require.NoError(t, db.Watch(ctx, "/eph", func(e qdb.Event) {
		if e.Type == qdb.EventDeleted {
			gone <- struct{}{}
		}
	}))

	is.NoError(other.Close())

	select {
	case <-gone:
	case <-ctx.Done():
		t.Fatal("ephemeral node outlived its session")
	}
	ok, err := db.Exists(ctx, "/eph")
	is.NoError(err)
	is.False(ok)
}

func TestLockAcrossClients(t *testing.T) {
	setupSubTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*TestTimeout)
	defer cancel()

	var inside, total int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		locker := dlock.NewLocker(connect(t), "/pinus", time.Second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				h, err := locker.Acquire(ctx, "shared", -1)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				inside++
				assert.Equal(t, 1, inside)
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				total++
				mu.Unlock()
				assert.NoError(t, locker.Release(ctx, h))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 15, total)
}

func TestIdsAcrossClients(t *testing.T) {
	setupSubTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	a := idgen.NewBlockAllocator(connect(t), "/pinus", idgen.Config{BlockSize: 7})
	b := idgen.NewBlockAllocator(connect(t), "/pinus", idgen.Config{BlockSize: 7})

	seen := map[int64]struct{}{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, alloc := range []*idgen.BlockAllocator{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := alloc.NextBatch(ctx, "orders", 50)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				_, dup := seen[id]
				assert.False(t, dup, "id %d handed out twice", id)
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100)
}
