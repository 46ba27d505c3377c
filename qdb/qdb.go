package qdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pinus-go/pinus/pkg/pinuslog"
)

// AnyVersion disables the version check of SetData and Delete.
const AnyVersion int64 = -1

var (
	ErrNodeNotExists   = errors.New("qdb: node does not exist")
	ErrNodeExists      = errors.New("qdb: node already exists")
	ErrBadVersion      = errors.New("qdb: version mismatch")
	ErrNoParent        = errors.New("qdb: parent node does not exist")
	ErrNodeHasChildren = errors.New("qdb: node has children")
	ErrClosed          = errors.New("qdb: client is closed")
	ErrInvalidPath     = errors.New("qdb: invalid path")
)

type CreateMode int

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModePersistentSequential
	ModeEphemeralSequential
)

func (m CreateMode) IsEphemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

func (m CreateMode) IsSequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

// Stat is node metadata. Version is 0 right after creation and grows by one
// on every successful SetData.
type Stat struct {
	Version   int64
	Ephemeral bool
}

type EventType int

const (
	EventCreated EventType = iota
	EventDataChanged
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDataChanged:
		return "data_changed"
	case EventDeleted:
		return "deleted"
	}
	return "unknown"
}

type Event struct {
	Type EventType
	Path string
}

// QDB is a hierarchical coordination store with persistent, ephemeral and
// sequential nodes, versioned compare-and-set writes and watches.
//
// Paths are absolute, slash separated and have no trailing slash. The root
// "/" always exists; every other node needs an existing parent.
type QDB interface {
	Exists(ctx context.Context, path string) (bool, error)
	// Create returns the actual path of the new node, which differs from
	// the requested one for sequential modes.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	// SetData fails with ErrBadVersion when expectedVersion is not AnyVersion
	// and does not match the current node version.
	SetData(ctx context.Context, path string, data []byte, expectedVersion int64) (int64, error)
	GetData(ctx context.Context, path string) ([]byte, Stat, error)
	// GetChildren returns the sorted names (not paths) of direct children.
	GetChildren(ctx context.Context, path string) ([]string, error)
	Delete(ctx context.Context, path string, expectedVersion int64) error
	// Watch delivers every change of the node made after Watch returns,
	// until ctx is done. cb must not block.
	Watch(ctx context.Context, path string, cb func(Event)) error
	// Close ends the session, removing its ephemeral nodes.
	Close() error
}

// NewQDB connects to the coordination store selected by cfg.CoordinatorType.
func NewQDB(ctx context.Context, cfg *config.Engine) (QDB, error) {
	switch cfg.CoordinatorType {
	case config.EtcdCoordinator:
		tlsCfg, err := cfg.CoordinatorTLS.Init(etcdHost(cfg.CoordinatorAddrs))
		if err != nil {
			return nil, pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, "coordinator tls")
		}
		return NewEtcdQDB(ctx, cfg.CoordinatorAddrs, EtcdOptions{
			DialTimeout:     cfg.DialTimeout,
			SessionTTL:      cfg.SessionTTL,
			SlowOpThreshold: cfg.SlowOpThreshold,
			TLS:             tlsCfg,
		})
	case config.MemCoordinator:
		db, err := RestoreQDB(cfg.MemqdbBackupPath)
		if err != nil {
			return nil, pinuserror.Wrap(pinuserror.PINUS_COORDINATION_UNAVAILABLE, err, "memqdb restore")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("qdb implementation %s is invalid", cfg.CoordinatorType)
	}
}

// etcdHost is the server name verify-full checks certificates against.
// Only the first endpoint is considered.
func etcdHost(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	addr := addrs[0]
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		addr = u.Host
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// EnsurePath creates every missing persistent node along p.
func EnsurePath(ctx context.Context, db QDB, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}

	cur := ""
	for _, part := range strings.Split(p[1:], "/") {
		cur += "/" + part
		ok, err := db.Exists(ctx, cur)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := db.Create(ctx, cur, nil, ModePersistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
		pinuslog.Zero.Debug().Str("path", cur).Msg("qdb: created path node")
	}
	return nil
}

func validatePath(p string) error {
	if p == "/" {
		return nil
	}
	if p == "" || p[0] != '/' || p[len(p)-1] == '/' || strings.Contains(p, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

func parentPath(p string) string {
	return path.Dir(p)
}

// childPrefix is the key prefix shared by all descendants of p.
func childPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}

// directChild returns the name of a direct child of parent encoded in key,
// or false when key is not a direct child.
func directChild(parent, key string) (string, bool) {
	prefix := childPrefix(parent)
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	if strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func sequentialName(p string, seq int64) string {
	return fmt.Sprintf("%s%010d", p, seq)
}
