package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

const fileSuffix = ".rec"

// FileStore keeps one codec encoded file per group under a directory.
// Scans read the whole directory, it is meant for single node deployments.
type FileStore struct {
	basePath string
	mutex    sync.Mutex
	codec    codec.Codec
	timeout  time.Duration
	pageSize int
}

func NewFileStore(cfg Config) (Store, error) {
	if len(cfg.Path) == 0 {
		return nil, errors.New("file store needs a path")
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{
		basePath: cfg.Path,
		timeout:  cfg.timeout(),
		pageSize: cfg.pageSize(),
	}, nil
}

func (fs *FileStore) Scheme() string {
	return define.StoreFile
}

func (fs *FileStore) SetCodec(c codec.Codec) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.codec = c
}

func (fs *FileStore) Timeout() time.Duration {
	return fs.timeout
}

func (fs *FileStore) filename(gtid string) string {
	return filepath.Join(fs.basePath, gtid+fileSuffix)
}

func (fs *FileStore) read(gtid string) (*model.TransactionGroup, error) {
	if !validGtid(gtid) {
		return nil, ErrInvalidGroup
	}
	data, err := os.ReadFile(fs.filename(gtid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	g := &model.TransactionGroup{}
	if err := fs.codec.Unmarshal(data, g); err != nil {
		return nil, err
	}
	return g, nil
}

// write replaces the file atomically.
func (fs *FileStore) write(g *model.TransactionGroup) error {
	data, err := fs.codec.Marshal(g)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fs.basePath, "."+g.Gtid+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fs.filename(g.Gtid))
}

func (fs *FileStore) readAll(filter func(g *model.TransactionGroup) bool) ([]*model.TransactionGroup, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, err
	}
	groups := []*model.TransactionGroup{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		g, err := fs.read(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			if err == ErrNotExist {
				continue
			}
			return nil, err
		}
		if filter(g) {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return lessIndexItem(indexItem{groups[i].UpdatedTime, groups[i].Gtid},
			indexItem{groups[j].UpdatedTime, groups[j].Gtid})
	})
	return groups, nil
}

func (fs *FileStore) Put(ctx context.Context, g *model.TransactionGroup) (err error) {
	defer observe(fs.Scheme(), "Put", time.Now(), &err)
	if err = validateGroup(g); err != nil || !validGtid(g.Gtid) {
		return wrapError(fs.Scheme(), "Put", ErrInvalidGroup)
	}

	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.codec == nil {
		return wrapError(fs.Scheme(), "Put", ErrCodecNotSet)
	}
	existing, err := fs.read(g.Gtid)
	if err != nil && err != ErrNotExist {
		return wrapError(fs.Scheme(), "Put", err)
	}
	merged, ok := mergeUpsert(existing, g, time.Now())
	if !ok {
		return nil
	}
	return wrapError(fs.Scheme(), "Put", fs.write(merged))
}

func (fs *FileStore) Get(ctx context.Context, gtid string) (g *model.TransactionGroup, err error) {
	defer observe(fs.Scheme(), "Get", time.Now(), &err)
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.codec == nil {
		return nil, wrapError(fs.Scheme(), "Get", ErrCodecNotSet)
	}
	g, err = fs.read(gtid)
	if err == ErrInvalidGroup {
		err = ErrNotExist
	}
	return g, wrapError(fs.Scheme(), "Get", err)
}

func (fs *FileStore) UpdateState(ctx context.Context, gtid string, state string, outcomes map[int]string) error {
	return fs.Apply(ctx, gtid, Mutation{State: state, Outcomes: outcomes})
}

func (fs *FileStore) Apply(ctx context.Context, gtid string, m Mutation) (err error) {
	defer observe(fs.Scheme(), "Apply", time.Now(), &err)
	if err = m.validate(); err != nil {
		return wrapError(fs.Scheme(), "Apply", err)
	}

	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.codec == nil {
		return wrapError(fs.Scheme(), "Apply", ErrCodecNotSet)
	}
	g, err := fs.read(gtid)
	if err == ErrInvalidGroup {
		err = ErrNotExist
	}
	if err != nil {
		return wrapError(fs.Scheme(), "Apply", err)
	}
	if err = applyMutation(g, m, time.Now()); err != nil {
		return wrapError(fs.Scheme(), "Apply", err)
	}
	return wrapError(fs.Scheme(), "Apply", fs.write(g))
}

func (fs *FileStore) ScanOverdue(ctx context.Context, olderThan time.Duration, limit int) Iterator {
	return newPageIterator(fs.page, olderThan, limit, fs.pageSize)
}

func (fs *FileStore) page(ctx context.Context, deadline time.Time, cur cursor, n int) (groups []*model.TransactionGroup, err error) {
	defer observe(fs.Scheme(), "ScanOverdue", time.Now(), &err)
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.codec == nil {
		return nil, wrapError(fs.Scheme(), "ScanOverdue", ErrCodecNotSet)
	}
	groups, err = fs.readAll(func(g *model.TransactionGroup) bool {
		return overdue(g, deadline) && cur.after(g)
	})
	if err != nil {
		return nil, wrapError(fs.Scheme(), "ScanOverdue", err)
	}
	if len(groups) > n {
		groups = groups[:n]
	}
	return groups, nil
}

func (fs *FileStore) ListByState(ctx context.Context, state string, updatedBefore time.Time, limit int) (groups []*model.TransactionGroup, err error) {
	defer observe(fs.Scheme(), "ListByState", time.Now(), &err)
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.codec == nil {
		return nil, wrapError(fs.Scheme(), "ListByState", ErrCodecNotSet)
	}
	groups, err = fs.readAll(func(g *model.TransactionGroup) bool {
		return g.State == state && (updatedBefore.IsZero() || g.UpdatedTime.Before(updatedBefore))
	})
	if err != nil {
		return nil, wrapError(fs.Scheme(), "ListByState", err)
	}
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (fs *FileStore) Delete(ctx context.Context, gtid string) (err error) {
	defer observe(fs.Scheme(), "Delete", time.Now(), &err)
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.codec == nil {
		return wrapError(fs.Scheme(), "Delete", ErrCodecNotSet)
	}
	g, err := fs.read(gtid)
	if err == ErrInvalidGroup {
		err = ErrNotExist
	}
	if err != nil {
		return wrapError(fs.Scheme(), "Delete", err)
	}
	if !g.Terminal() {
		return wrapError(fs.Scheme(), "Delete", ErrNotTerminal)
	}
	if err = os.Remove(fs.filename(gtid)); err != nil && !os.IsNotExist(err) {
		return wrapError(fs.Scheme(), "Delete", err)
	}
	return nil
}

func (fs *FileStore) Close() error {
	return nil
}
