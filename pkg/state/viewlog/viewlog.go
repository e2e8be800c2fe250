package viewlog

import (
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/amirimatin/go-gms/pkg/state"
    "github.com/amirimatin/go-gms/pkg/view"
)

var (
    keyLastCounter = []byte("gms_last_view_counter")
    keyLastCreator = []byte("gms_last_view_creator")
)

// record is the on-log encoding of one installed view.
type record struct {
    Version int        `json:"version"`
    View    *view.View `json:"view"`
}

// Log stores installed views as consecutive raft log entries; the stable
// store keeps the id of the newest one. The raft term of an entry is the
// view counter.
type Log struct {
    mu     sync.Mutex
    logs   raft.LogStore
    stable raft.StableStore
    closer io.Closer
}

var _ state.ViewStore = (*Log)(nil)

func New(logs raft.LogStore, stable raft.StableStore) *Log {
    return &Log{logs: logs, stable: stable}
}

// NewInmem returns a log kept in memory.
func NewInmem() *Log {
    s := raft.NewInmemStore()
    return New(s, s)
}

// Open uses a bolt store at dir/views.db for both log and stable data.
func Open(dir string) (*Log, error) {
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, err }
    bstore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "views.db"))
    if err != nil { return nil, err }
    l := New(bstore, bstore)
    l.closer = bstore
    return l, nil
}

// Append journals v unless it is not newer than the last stored view.
func (l *Log) Append(v *view.View) error {
    if v == nil { return fmt.Errorf("%w: nil view", view.ErrInvalidArgument) }
    l.mu.Lock()
    defer l.mu.Unlock()

    if last, ok, err := l.lastIDLocked(); err != nil {
        return err
    } else if ok && v.ID().Compare(last) <= 0 {
        return nil
    }
    idx, err := l.logs.LastIndex()
    if err != nil { return err }
    data, err := json.Marshal(record{Version: 1, View: v})
    if err != nil { return err }
    entry := &raft.Log{
        Index:      idx + 1,
        Term:       v.ID().Counter,
        Type:       raft.LogCommand,
        Data:       data,
        AppendedAt: time.Now(),
    }
    if err := l.logs.StoreLog(entry); err != nil { return err }
    if err := l.stable.SetUint64(keyLastCounter, v.ID().Counter); err != nil { return err }
    return l.stable.Set(keyLastCreator, []byte(v.ID().Creator))
}

// LastID returns the id of the newest stored view.
func (l *Log) LastID() (view.ViewID, bool, error) {
    l.mu.Lock()
    defer l.mu.Unlock()
    return l.lastIDLocked()
}

func (l *Log) lastIDLocked() (view.ViewID, bool, error) {
    creator, err := l.stable.Get(keyLastCreator)
    if err != nil || len(creator) == 0 {
        // both stores report a missing key as an error or an empty value
        return view.ViewID{}, false, nil
    }
    counter, err := l.stable.GetUint64(keyLastCounter)
    if err != nil { return view.ViewID{}, false, nil }
    return view.ViewID{Creator: view.Address(creator), Counter: counter}, true, nil
}

// Last returns the newest stored view, or nil when the log is empty.
func (l *Log) Last() (*view.View, error) {
    l.mu.Lock()
    defer l.mu.Unlock()
    idx, err := l.logs.LastIndex()
    if err != nil || idx == 0 { return nil, err }
    return l.getLocked(idx)
}

// History returns up to n most recent views, oldest first.
func (l *Log) History(n int) ([]*view.View, error) {
    l.mu.Lock()
    defer l.mu.Unlock()
    first, err := l.logs.FirstIndex()
    if err != nil { return nil, err }
    last, err := l.logs.LastIndex()
    if err != nil || last == 0 { return nil, err }
    start := first
    if n > 0 && last-first+1 > uint64(n) { start = last - uint64(n) + 1 }
    out := make([]*view.View, 0, last-start+1)
    for i := start; i <= last; i++ {
        v, err := l.getLocked(i)
        if errors.Is(err, raft.ErrLogNotFound) { continue }
        if err != nil { return nil, err }
        out = append(out, v)
    }
    return out, nil
}

// Compact drops all but the newest keep entries.
func (l *Log) Compact(keep int) error {
    if keep < 1 { keep = 1 }
    l.mu.Lock()
    defer l.mu.Unlock()
    first, err := l.logs.FirstIndex()
    if err != nil { return err }
    last, err := l.logs.LastIndex()
    if err != nil { return err }
    if last < uint64(keep) || last-uint64(keep) < first { return nil }
    return l.logs.DeleteRange(first, last-uint64(keep))
}

func (l *Log) getLocked(idx uint64) (*view.View, error) {
    var entry raft.Log
    if err := l.logs.GetLog(idx, &entry); err != nil { return nil, err }
    var rec record
    if err := json.Unmarshal(entry.Data, &rec); err != nil { return nil, fmt.Errorf("viewlog: entry %d: %w", idx, err) }
    return rec.View, nil
}

// Close releases the backing store; later calls are no-ops.
func (l *Log) Close() error {
    l.mu.Lock()
    c := l.closer
    l.closer = nil
    l.mu.Unlock()
    if c == nil { return nil }
    return c.Close()
}
