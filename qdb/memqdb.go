package qdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pinus-go/pinus/pkg/pinuslog"
	"go.uber.org/atomic"
)

type memNode struct {
	Data    []byte `json:"data"`
	Version int64  `json:"version"`
	Seq     int64  `json:"seq"`

	/* session id of the creator, empty for persistent nodes */
	owner string
}

type memWatch struct {
	ctx     context.Context
	path    string
	session string
	cb      func(Event)
}

// memStore is the state shared by all sessions of one in-memory store.
type memStore struct {
	mu sync.Mutex

	Nodes map[string]*memNode `json:"nodes"`

	watches   map[int64]*memWatch
	nextWatch int64

	backupPath string
}

// MemQDB is one session of an in-process coordination store. Sessions
// created with NewSession share nodes and watches but own their ephemeral
// nodes separately, which is how tests model several processes.
type MemQDB struct {
	store   *memStore
	session string
	closed  atomic.Bool
}

var _ QDB = &MemQDB{}

func newMemStore(backupPath string) *memStore {
	return &memStore{
		Nodes: map[string]*memNode{
			"/": {},
		},
		watches:    map[int64]*memWatch{},
		backupPath: backupPath,
	}
}

// NewMemQDB creates an empty store and returns its first session. A
// non-empty backupPath makes persistent nodes survive restarts, see RestoreQDB.
func NewMemQDB(backupPath string) *MemQDB {
	return &MemQDB{
		store:   newMemStore(backupPath),
		session: uuid.NewString(),
	}
}

// RestoreQDB loads persistent nodes dumped to backupPath by a previous run.
func RestoreQDB(backupPath string) (*MemQDB, error) {
	q := NewMemQDB(backupPath)
	if backupPath == "" {
		return q, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		pinuslog.Zero.Info().Err(err).Msg("memqdb backup file not exists. Creating new one.")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return q, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, q.store); err != nil {
		return nil, err
	}
	if _, ok := q.store.Nodes["/"]; !ok {
		q.store.Nodes["/"] = &memNode{}
	}
	return q, nil
}

// NewSession returns another client of the same store with its own session.
func (q *MemQDB) NewSession() *MemQDB {
	return &MemQDB{
		store:   q.store,
		session: uuid.NewString(),
	}
}

func (q *MemQDB) SessionID() string {
	return q.session
}

// DumpState writes persistent nodes to the backup file. Callers hold the
// store lock.
func (s *memStore) DumpState() error {
	if s.backupPath == "" {
		return nil
	}
	tmpPath := s.backupPath + ".tmp"

	persistent := map[string]*memNode{}
	for p, n := range s.Nodes {
		if n.owner == "" {
			persistent[p] = n
		}
	}
	state, err := json.MarshalIndent(struct {
		Nodes map[string]*memNode `json:"nodes"`
	}{Nodes: persistent}, "", "	")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(state); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.backupPath)
}

// collect returns the callbacks interested in an event on p. Callers hold
// the store lock and run the result after unlocking.
func (s *memStore) collect(p string, t EventType) []func() {
	var fns []func()
	ev := Event{Type: t, Path: p}
	for _, w := range s.watches {
		if w.path != p {
			continue
		}
		fns = append(fns, func() {
			if w.ctx.Err() != nil {
				return
			}
			w.cb(ev)
		})
	}
	return fns
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func (q *MemQDB) check(ctx context.Context, p string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return validatePath(p)
}

func (q *MemQDB) Exists(ctx context.Context, p string) (bool, error) {
	pinuslog.Zero.Debug().Str("path", p).Msg("memqdb: exists")
	if err := q.check(ctx, p); err != nil {
		return false, err
	}

	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	_, ok := q.store.Nodes[p]
	return ok, nil
}

func (q *MemQDB) Create(ctx context.Context, p string, data []byte, mode CreateMode) (string, error) {
	pinuslog.Zero.Debug().Str("path", p).Int("mode", int(mode)).Msg("memqdb: create")
	if err := q.check(ctx, p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", ErrNodeExists
	}

	q.store.mu.Lock()

	parent, ok := q.store.Nodes[parentPath(p)]
	if !ok {
		q.store.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNoParent, p)
	}

	var cmds []Command
	actual := p
	if mode.IsSequential() {
		seq := parent.Seq
		actual = sequentialName(p, seq)
		cmds = append(cmds, NewCustomCommand(
			func() error { parent.Seq = seq + 1; return nil },
			func() error { parent.Seq = seq; return nil },
		))
	}
	if _, ok := q.store.Nodes[actual]; ok {
		q.store.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNodeExists, actual)
	}

	node := &memNode{Data: bytes.Clone(data)}
	if mode.IsEphemeral() {
		node.owner = q.session
	}
	cmds = append(cmds, NewUpdateCommand(q.store.Nodes, actual, node))

	if err := ExecuteCommands(q.store.DumpState, cmds...); err != nil {
		q.store.mu.Unlock()
		return "", err
	}
	fns := q.store.collect(actual, EventCreated)
	q.store.mu.Unlock()

	fire(fns)
	return actual, nil
}

func (q *MemQDB) SetData(ctx context.Context, p string, data []byte, expectedVersion int64) (int64, error) {
	pinuslog.Zero.Debug().Str("path", p).Int64("version", expectedVersion).Msg("memqdb: set data")
	if err := q.check(ctx, p); err != nil {
		return 0, err
	}

	q.store.mu.Lock()

	n, ok := q.store.Nodes[p]
	if !ok {
		q.store.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	}
	if expectedVersion != AnyVersion && expectedVersion != n.Version {
		q.store.mu.Unlock()
		return 0, fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, p, n.Version, expectedVersion)
	}

	updated := &memNode{
		Data:    bytes.Clone(data),
		Version: n.Version + 1,
		Seq:     n.Seq,
		owner:   n.owner,
	}
	if err := ExecuteCommands(q.store.DumpState, NewUpdateCommand(q.store.Nodes, p, updated)); err != nil {
		q.store.mu.Unlock()
		return 0, err
	}
	fns := q.store.collect(p, EventDataChanged)
	q.store.mu.Unlock()

	fire(fns)
	return updated.Version, nil
}

func (q *MemQDB) GetData(ctx context.Context, p string) ([]byte, Stat, error) {
	pinuslog.Zero.Debug().Str("path", p).Msg("memqdb: get data")
	if err := q.check(ctx, p); err != nil {
		return nil, Stat{}, err
	}

	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	n, ok := q.store.Nodes[p]
	if !ok {
		return nil, Stat{}, fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	}
	return bytes.Clone(n.Data), Stat{Version: n.Version, Ephemeral: n.owner != ""}, nil
}

func (q *MemQDB) GetChildren(ctx context.Context, p string) ([]string, error) {
	pinuslog.Zero.Debug().Str("path", p).Msg("memqdb: get children")
	if err := q.check(ctx, p); err != nil {
		return nil, err
	}

	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	if _, ok := q.store.Nodes[p]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	}

	children := []string{}
	for key := range q.store.Nodes {
		if name, ok := directChild(p, key); ok {
			children = append(children, name)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (q *MemQDB) Delete(ctx context.Context, p string, expectedVersion int64) error {
	pinuslog.Zero.Debug().Str("path", p).Int64("version", expectedVersion).Msg("memqdb: delete")
	if err := q.check(ctx, p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: root can not be deleted", ErrInvalidPath)
	}

	q.store.mu.Lock()

	n, ok := q.store.Nodes[p]
	if !ok {
		q.store.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotExists, p)
	}
	if expectedVersion != AnyVersion && expectedVersion != n.Version {
		q.store.mu.Unlock()
		return fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, p, n.Version, expectedVersion)
	}
	for key := range q.store.Nodes {
		if _, ok := directChild(p, key); ok {
			q.store.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNodeHasChildren, p)
		}
	}

	if err := ExecuteCommands(q.store.DumpState, NewDeleteCommand(q.store.Nodes, p)); err != nil {
		q.store.mu.Unlock()
		return err
	}
	fns := q.store.collect(p, EventDeleted)
	q.store.mu.Unlock()

	fire(fns)
	return nil
}

func (q *MemQDB) Watch(ctx context.Context, p string, cb func(Event)) error {
	pinuslog.Zero.Debug().Str("path", p).Msg("memqdb: watch")
	if err := q.check(ctx, p); err != nil {
		return err
	}

	q.store.mu.Lock()
	id := q.store.nextWatch
	q.store.nextWatch++
	q.store.watches[id] = &memWatch{
		ctx:     ctx,
		path:    p,
		session: q.session,
		cb:      cb,
	}
	q.store.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.store.mu.Lock()
		delete(q.store.watches, id)
		q.store.mu.Unlock()
	}()
	return nil
}

// Close removes the ephemeral nodes of this session and its watches.
// Closing twice is a no-op.
func (q *MemQDB) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	pinuslog.Zero.Debug().Str("session", q.session).Msg("memqdb: close session")

	q.store.mu.Lock()

	for id, w := range q.store.watches {
		if w.session == q.session {
			delete(q.store.watches, id)
		}
	}

	var owned []string
	for p, n := range q.store.Nodes {
		if n.owner == q.session {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)

	var fns []func()
	for _, p := range owned {
		delete(q.store.Nodes, p)
		fns = append(fns, q.store.collect(p, EventDeleted)...)
	}
	q.store.mu.Unlock()

	fire(fns)
	return nil
}
