package qdb

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"github.com/pinus-go/pinus/pkg/statistics"
	retry "github.com/sethvargo/go-retry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
	"go.uber.org/atomic"
)

const (
	DefaultSessionTTL  int64 = 10
	DefaultDialTimeout       = 5 * time.Second

	// Counters of sequential children live outside the "/" key space so
	// that they never show up as nodes.
	seqCounterPrefix = "_pinus_seq"

	// Every round of a contended parent lets one creator through, so the
	// attempts bound the number of simultaneous creators served.
	sequentialCreateAttempts = 64
	sequentialCreateMaxDelay = 50 * time.Millisecond
)

type EtcdOptions struct {
	DialTimeout time.Duration
	// SessionTTL is the lease lifetime in seconds; ephemeral nodes of a
	// crashed process disappear after it.
	SessionTTL      int64
	SlowOpThreshold time.Duration
	// TLS is nil for plaintext connections.
	TLS *tls.Config
}

// EtcdQDB maps the hierarchical node model onto flat etcd keys: the key is
// the node path, node versions are etcd key versions minus one and ephemeral
// nodes are attached to a per-client session lease.
type EtcdQDB struct {
	cli   *clientv3.Client
	lease clientv3.LeaseID

	stopKeepAlive context.CancelFunc
	keepAliveDone chan struct{}

	slow   *pinuslog.SlowOpLogger
	closed atomic.Bool
}

var _ QDB = &EtcdQDB{}

func NewEtcdQDB(ctx context.Context, addrs []string, opts EtcdOptions) (*EtcdQDB, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.SessionTTL == 0 {
		opts.SessionTTL = DefaultSessionTTL
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   addrs,
		DialTimeout: opts.DialTimeout,
		Context:     ctx,
		TLS:         opts.TLS,
	})
	if err != nil {
		return nil, pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "etcdqdb: dial")
	}

	pinuslog.Zero.Debug().
		Strs("addresses", addrs).
		Uint("client", pinuslog.GetPointer(cli)).
		Msg("etcdqdb: NewEtcdQDB")

	grantCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	leaseGrantResp, err := cli.Grant(grantCtx, opts.SessionTTL)
	if err != nil {
		_ = cli.Close()
		pinuslog.Zero.Error().Err(err).Msg("etcdqdb: lease grant failed")
		return nil, pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "etcdqdb: lease grant")
	}

	keepAliveCtx, stop := context.WithCancel(context.Background())

	// KeepAlive responses must be drained, otherwise the channel fills up
	// and the client starts dropping them.
	keepAliveCh, err := cli.KeepAlive(keepAliveCtx, leaseGrantResp.ID)
	if err != nil {
		stop()
		_ = cli.Close()
		pinuslog.Zero.Error().Err(err).Msg("etcdqdb: lease keep alive failed")
		return nil, pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "etcdqdb: lease keep alive")
	}

	q := &EtcdQDB{
		cli:           cli,
		lease:         leaseGrantResp.ID,
		stopKeepAlive: stop,
		keepAliveDone: make(chan struct{}),
		slow:          pinuslog.NewSlowOpLogger(opts.SlowOpThreshold),
	}

	go func() {
		defer close(q.keepAliveDone)
		for resp := range keepAliveCh {
			pinuslog.Zero.Trace().
				Uint64("raft-term", resp.RaftTerm).
				Int64("lease-id", int64(resp.ID)).
				Msg("etcd keep alive channel")
		}
		if !q.closed.Load() {
			pinuslog.Zero.Error().
				Int64("lease-id", int64(leaseGrantResp.ID)).
				Msg("etcdqdb: session lease lost, ephemeral nodes are gone")
		}
	}()

	return q, nil
}

func (q *EtcdQDB) Client() *clientv3.Client {
	return q.cli
}

func (q *EtcdQDB) observe(op, p string, start time.Time, err error) {
	d := time.Since(start)
	statistics.RecordQDBOperation(op, d, err)
	q.slow.Report(op, p, d)
}

func (q *EtcdQDB) check(p string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	return validatePath(p)
}

func unavailable(err error, op string) error {
	return pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "etcdqdb: "+op)
}

func seqCounterKey(parent string) string {
	return seqCounterPrefix + parent
}

// nodeExists builds a comparison that holds when p is a node. The root is
// virtual and always exists.
func nodeExists(p string) []clientv3.Cmp {
	if p == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3util.KeyExists(p)}
}

func (q *EtcdQDB) Exists(ctx context.Context, p string) (ok bool, err error) {
	pinuslog.Zero.Debug().Str("path", p).Msg("etcdqdb: exists")
	if err := q.check(p); err != nil {
		return false, err
	}
	if p == "/" {
		return true, nil
	}

	start := time.Now()
	defer func() { q.observe("exists", p, start, err) }()
	resp, err := q.cli.Get(ctx, p, clientv3.WithCountOnly())
	if err != nil {
		return false, unavailable(err, "exists")
	}
	return resp.Count > 0, nil
}

func (q *EtcdQDB) Create(ctx context.Context, p string, data []byte, mode CreateMode) (actual string, err error) {
	pinuslog.Zero.Debug().Str("path", p).Int("mode", int(mode)).Msg("etcdqdb: create")
	if err := q.check(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", ErrNodeExists
	}

	start := time.Now()
	defer func() { q.observe("create", p, start, err) }()

	var putOpts []clientv3.OpOption
	if mode.IsEphemeral() {
		putOpts = append(putOpts, clientv3.WithLease(q.lease))
	}

	if !mode.IsSequential() {
		return p, q.createAt(ctx, p, data, putOpts, nil, nil)
	}

	parent := parentPath(p)
	counter := seqCounterKey(parent)

	backoff := retry.WithMaxRetries(sequentialCreateAttempts,
		retry.WithCappedDuration(sequentialCreateMaxDelay,
			retry.WithJitterPercent(25, retry.NewFibonacci(time.Millisecond))))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := q.cli.Get(ctx, counter)
		if err != nil {
			return unavailable(err, "get sequence counter")
		}

		var seq, version int64
		if len(resp.Kvs) > 0 {
			seq, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return pinuserror.Wrap(pinuserror.PINUS_METADATA_CORRUPTION, err, "etcdqdb: sequence counter of "+parent)
			}
			version = resp.Kvs[0].Version
		}

		actual = sequentialName(p, seq)
		err = q.createAt(ctx, actual, data, putOpts,
			[]clientv3.Cmp{clientv3.Compare(clientv3.Version(counter), "=", version)},
			[]clientv3.Op{clientv3.OpPut(counter, strconv.FormatInt(seq+1, 10))},
		)
		if errors.Is(err, errConflict) {
			pinuslog.Zero.Debug().Str("path", p).Int64("seq", seq).Msg("etcdqdb: sequential create conflict, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, errConflict) {
		err = unavailable(err, "sequential create")
	}
	return actual, err
}

var errConflict = errors.New("etcdqdb: concurrent modification")

// createAt atomically creates p when its parent exists and p does not, and
// the extra comparisons hold. extra operations are applied in the same
// transaction. A failed extra comparison is reported as errConflict ahead of
// ErrNodeExists and ErrNoParent.
func (q *EtcdQDB) createAt(ctx context.Context, p string, data []byte, putOpts []clientv3.OpOption, extraCmp []clientv3.Cmp, extraOps []clientv3.Op) error {
	parent := parentPath(p)

	cmps := append(nodeExists(parent), clientv3util.KeyMissing(p))
	cmps = append(cmps, extraCmp...)
	ops := append([]clientv3.Op{clientv3.OpPut(p, string(data), putOpts...)}, extraOps...)

	elseOps := []clientv3.Op{
		clientv3.OpGet(parent, clientv3.WithCountOnly()),
		clientv3.OpGet(p, clientv3.WithCountOnly()),
	}
	if len(extraCmp) > 0 {
		elseOps = append(elseOps, clientv3.OpTxn(extraCmp, nil, nil))
	}

	resp, err := q.cli.Txn(ctx).
		If(cmps...).
		Then(ops...).
		Else(elseOps...).
		Commit()
	if err != nil {
		return unavailable(err, "create")
	}
	if resp.Succeeded {
		return nil
	}

	/* a moved counter means p was computed from a stale value */
	if len(extraCmp) > 0 && !resp.Responses[2].GetResponseTxn().Succeeded {
		return errConflict
	}
	if parent != "/" && resp.Responses[0].GetResponseRange().Count == 0 {
		return fmt.Errorf("%w: %s", ErrNoParent, p)
	}
	if resp.Responses[1].GetResponseRange().Count > 0 {
		return fmt.Errorf("%w: %s", ErrNodeExists, p)
	}
	return errConflict
}

func (q *EtcdQDB) SetData(ctx context.Context, p string, data []byte, expectedVersion int64) (version int64, err error) {
	pinuslog.Zero.Debug().Str("path", p).Int64("version", expectedVersion).Msg("etcdqdb: set data")
	if err := q.check(p); err != nil {
		return 0, err
	}
	if p == "/" {
		return 0, fmt.Errorf("%w: root has no data", ErrInvalidPath)
	}

	start := time.Now()
	defer func() { q.observe("set_data", p, start, err) }()

	cmps := []clientv3.Cmp{clientv3util.KeyExists(p)}
	if expectedVersion != AnyVersion {
		cmps = append(cmps, clientv3.Compare(clientv3.Version(p), "=", expectedVersion+1))
	}

	resp, err := q.cli.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpPut(p, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(p)).
		Else(clientv3.OpGet(p)).
		Commit()
	if err != nil {
		return 0, unavailable(err, "set data")
	}

	if !resp.Succeeded {
		kvs := resp.Responses[0].GetResponseRange().Kvs
		if len(kvs) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNodeNotExists, p)
		}
		return 0, fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, p, kvs[0].Version-1, expectedVersion)
	}

	kvs := resp.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	}
	return kvs[0].Version - 1, nil
}

func (q *EtcdQDB) GetData(ctx context.Context, p string) (data []byte, stat Stat, err error) {
	pinuslog.Zero.Debug().Str("path", p).Msg("etcdqdb: get data")
	if err := q.check(p); err != nil {
		return nil, Stat{}, err
	}
	if p == "/" {
		return nil, Stat{}, nil
	}

	start := time.Now()
	defer func() { q.observe("get_data", p, start, err) }()

	resp, err := q.cli.Get(ctx, p)
	if err != nil {
		return nil, Stat{}, unavailable(err, "get data")
	}
	if len(resp.Kvs) == 0 {
		return nil, Stat{}, fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	}
	kv := resp.Kvs[0]
	return kv.Value, Stat{Version: kv.Version - 1, Ephemeral: kv.Lease != 0}, nil
}

func (q *EtcdQDB) GetChildren(ctx context.Context, p string) (children []string, err error) {
	pinuslog.Zero.Debug().Str("path", p).Msg("etcdqdb: get children")
	if err := q.check(p); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { q.observe("get_children", p, start, err) }()

	ops := []clientv3.Op{clientv3.OpGet(childPrefix(p), clientv3.WithPrefix(), clientv3.WithKeysOnly())}
	if p != "/" {
		ops = append(ops, clientv3.OpGet(p, clientv3.WithCountOnly()))
	}
	resp, err := q.cli.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, unavailable(err, "get children")
	}
	if p != "/" && resp.Responses[1].GetResponseRange().Count == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	}

	children = []string{}
	for _, kv := range resp.Responses[0].GetResponseRange().Kvs {
		if name, ok := directChild(p, string(kv.Key)); ok {
			children = append(children, name)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (q *EtcdQDB) Delete(ctx context.Context, p string, expectedVersion int64) (err error) {
	pinuslog.Zero.Debug().Str("path", p).Int64("version", expectedVersion).Msg("etcdqdb: delete")
	if err := q.check(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: root can not be deleted", ErrInvalidPath)
	}

	start := time.Now()
	defer func() { q.observe("delete", p, start, err) }()

	cmps := []clientv3.Cmp{
		clientv3util.KeyExists(p),
		/* holds on an empty range, fails as soon as one descendant exists */
		clientv3.Compare(clientv3.CreateRevision(childPrefix(p)), "=", 0).WithPrefix(),
	}
	if expectedVersion != AnyVersion {
		cmps = append(cmps, clientv3.Compare(clientv3.Version(p), "=", expectedVersion+1))
	}

	resp, err := q.cli.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpDelete(p), clientv3.OpDelete(seqCounterKey(p))).
		Else(clientv3.OpGet(p), clientv3.OpGet(childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return unavailable(err, "delete")
	}
	if resp.Succeeded {
		return nil
	}

	kvs := resp.Responses[0].GetResponseRange().Kvs
	switch {
	case len(kvs) == 0:
		return fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	case resp.Responses[1].GetResponseRange().Count > 0:
		return fmt.Errorf("%w: %s", ErrNodeHasChildren, p)
	default:
		return fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, p, kvs[0].Version-1, expectedVersion)
	}
}

func (q *EtcdQDB) Watch(ctx context.Context, p string, cb func(Event)) error {
	pinuslog.Zero.Debug().Str("path", p).Msg("etcdqdb: watch")
	if err := q.check(p); err != nil {
		return err
	}

	// Pin the start revision before returning so that no change made after
	// Watch returns can be missed while the stream is being established.
	resp, err := q.cli.Get(ctx, p, clientv3.WithCountOnly())
	if err != nil {
		return unavailable(err, "watch")
	}
	rev := resp.Header.Revision

	wch := q.cli.Watch(ctx, p, clientv3.WithRev(rev+1))
	go func() {
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				pinuslog.Zero.Error().Err(err).Str("path", p).Msg("etcdqdb: watch failed")
				return
			}
			for _, ev := range wresp.Events {
				e := Event{Path: p}
				switch {
				case ev.Type == mvccpb.DELETE:
					e.Type = EventDeleted
				case ev.IsCreate():
					e.Type = EventCreated
				default:
					e.Type = EventDataChanged
				}
				if ctx.Err() != nil {
					return
				}
				cb(e)
			}
		}
	}()
	return nil
}

// Close revokes the session lease, which drops every ephemeral node of this
// client, and closes the connection.
func (q *EtcdQDB) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	pinuslog.Zero.Debug().Int64("lease-id", int64(q.lease)).Msg("etcdqdb: close")

	q.stopKeepAlive()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()
	_, revokeErr := q.cli.Revoke(ctx, q.lease)
	if revokeErr != nil {
		pinuslog.Zero.Error().Err(revokeErr).Msg("etcdqdb: lease revoke failed")
	}

	if err := q.cli.Close(); err != nil {
		return unavailable(err, "close")
	}
	<-q.keepAliveDone
	if revokeErr != nil {
		return unavailable(revokeErr, "revoke")
	}
	return nil
}
