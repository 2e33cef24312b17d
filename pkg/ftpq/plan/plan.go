// Package plan turns a user selection into the initial queue of an
// operation. Directories become explore items that workers expand
// lazily over the control connection; files become leaf items directly.
package plan

import (
	"fmt"
	"os"
	gopath "path"
	"path/filepath"

	krfs "github.com/kr/fs"
	"github.com/gammazero/toposort"
	"github.com/rs/zerolog"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/operation"
	"github.com/halwen/ftpq/pkg/ftpq/queue"
)

// Builder accumulates items for one operation and commits them in
// parent-before-child order.
type Builder struct {
	op     *operation.Operation
	filter *Filter
	logger zerolog.Logger

	// attrMode is the target permission bits for change-attribute
	// operations.
	attrMode uint32

	items []*queue.Item
}

// NewBuilder creates a builder bound to op. filter may be nil.
func NewBuilder(op *operation.Operation, filter *Filter, logger zerolog.Logger) *Builder {
	return &Builder{
		op:     op,
		filter: filter,
		logger: logger.With().Str("component", "plan").Logger(),
	}
}

// SetAttrMode sets the permission bits applied by change-attribute
// operations.
func (b *Builder) SetAttrMode(mode uint32) { b.attrMode = mode }

// AddRemote adds selected entries of one remote directory. srcDir is
// the remote directory holding them, targetDir the local destination
// for downloads (unused otherwise). ascii selects ASCII transfer mode
// for downloads.
func (b *Builder) AddRemote(srcDir, targetDir string, ascii bool, entries []conn.Entry) {
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if !b.filter.Match(e.Name) {
			b.logger.Debug().Str("name", e.Name).Msg("filtered out")
			continue
		}
		if it := b.remoteItem(srcDir, targetDir, ascii, e); it != nil {
			b.items = append(b.items, it)
		}
	}
}

func (b *Builder) remoteItem(srcDir, targetDir string, ascii bool, e conn.Entry) *queue.Item {
	switch b.op.Type() {
	case core.OpDelete:
		switch e.Type {
		case conn.EntryDir:
			return queue.NewItem(core.TypeExploreDir, core.UIDNone, srcDir, e.Name)
		case conn.EntryLink:
			return queue.NewItem(core.TypeResolveLinkDelete, core.UIDNone, srcDir, e.Name)
		default:
			return queue.NewItem(core.TypeDeleteFile, core.UIDNone, srcDir, e.Name)
		}

	case core.OpChangeAttrs:
		at := queue.AttrsInfo{Mode: b.attrMode, OrigRights: e.Rights}
		if e.Type == conn.EntryDir {
			return queue.NewAttrsItem(core.TypeChangeAttrsExploreDir, core.UIDNone, srcDir, e.Name, at)
		}
		return queue.NewAttrsItem(core.TypeChangeAttrsFile, core.UIDNone, srcDir, e.Name, at)

	case core.OpCopyDownload, core.OpMoveDownload:
		cp := queue.CopyInfo{
			TargetPath:   targetDir,
			TargetName:   e.Name,
			Size:         e.Size,
			SizeInBlocks: e.SizeInBlocks,
			ASCII:        ascii,
			ModTime:      e.Time,
		}
		switch e.Type {
		case conn.EntryDir:
			cp.TargetPath = filepath.Join(targetDir, e.Name)
			return queue.NewCopyItem(core.TypeExploreDir, core.UIDNone, srcDir, e.Name, cp)
		case conn.EntryLink:
			return queue.NewCopyItem(core.TypeResolveLinkCopy, core.UIDNone, srcDir, e.Name, cp)
		default:
			b.op.AddToTotalSize(e.Size, e.SizeInBlocks)
			typ := core.TypeCopyFile
			if b.op.Type() == core.OpMoveDownload {
				typ = core.TypeMoveFile
			}
			return queue.NewCopyItem(typ, core.UIDNone, srcDir, e.Name, cp)
		}
	}
	return nil
}

// AddLocal adds selected names of one local directory for an upload
// operation. Directory selections are walked immediately for the total
// size estimate; their decomposition into per-file items still happens
// lazily on worker connections.
func (b *Builder) AddLocal(localDir, remoteDir string, ascii bool, names []string) error {
	if !b.op.Type().Upload() {
		return fmt.Errorf("local selection on %s operation", b.op.Type())
	}
	fileType := core.TypeUploadCopyFile
	if b.op.Type() == core.OpMoveUpload {
		fileType = core.TypeUploadMoveFile
	}
	for _, name := range names {
		if !b.filter.Match(name) {
			b.logger.Debug().Str("name", name).Msg("filtered out")
			continue
		}
		full := filepath.Join(localDir, name)
		info, err := os.Lstat(full)
		if err != nil {
			return fmt.Errorf("stat %s: %w", full, err)
		}
		if info.IsDir() {
			b.op.AddToTotalSize(localTreeSize(full), false)
			b.items = append(b.items, queue.NewCopyItem(core.TypeUploadExploreDir, core.UIDNone, localDir, name, queue.CopyInfo{
				TargetPath: remoteJoin(remoteDir, name),
				ASCII:      ascii,
			}))
			continue
		}
		b.op.AddToTotalSize(info.Size(), false)
		b.items = append(b.items, queue.NewCopyItem(fileType, core.UIDNone, localDir, name, queue.CopyInfo{
			TargetPath: remoteDir,
			TargetName: name,
			Size:       info.Size(),
			ASCII:      ascii,
			ModTime:    info.ModTime(),
		}))
	}
	return nil
}

// localTreeSize sums regular file sizes under root. Walk errors only
// shrink the estimate; the real transfer reports them per file.
func localTreeSize(root string) int64 {
	var total int64
	walker := krfs.Walk(root)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if st := walker.Stat(); st.Mode().IsRegular() {
			total += st.Size()
		}
	}
	return total
}

// Commit orders the accumulated items so a selected parent directory
// always precedes selections inside it, then installs them as the
// operation's queue content.
func (b *Builder) Commit() error {
	if len(b.items) == 0 {
		return fmt.Errorf("empty selection")
	}
	ordered, err := b.sortParentFirst()
	if err != nil {
		return err
	}
	b.logger.Info().Int("items", len(ordered)).Msg("initial queue built")
	if err := b.op.Queue().Add(ordered...); err != nil {
		return err
	}
	b.items = nil
	return nil
}

// sortParentFirst topologically orders items whose source paths nest.
// Nesting between selections is rare; most commits see zero edges and
// keep insertion order.
func (b *Builder) sortParentFirst() ([]*queue.Item, error) {
	byPath := make(map[string]*queue.Item, len(b.items))
	for _, it := range b.items {
		byPath[itemKey(it)] = it
	}

	edges := make([]toposort.Edge, 0)
	for _, it := range b.items {
		for dir := parentKey(itemKey(it)); dir != "" && dir != "." && dir != "/"; dir = parentKey(dir) {
			if _, ok := byPath[dir]; ok {
				edges = append(edges, toposort.Edge{dir, itemKey(it)})
				break
			}
		}
	}
	if len(edges) == 0 {
		return b.items, nil
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("selection ordering failed: %w", err)
	}
	position := make(map[string]int, len(sorted))
	for i, node := range sorted {
		position[node.(string)] = i
	}
	ordered := make([]*queue.Item, len(b.items))
	copy(ordered, b.items)
	stableSortByPosition(ordered, position)
	return ordered, nil
}

// stableSortByPosition reorders only the items that appear in the
// toposort result, keeping everything else in insertion order.
func stableSortByPosition(items []*queue.Item, position map[string]int) {
	constrained := make([]*queue.Item, 0, len(items))
	slots := make([]int, 0, len(items))
	for i, it := range items {
		if _, ok := position[itemKey(it)]; ok {
			constrained = append(constrained, it)
			slots = append(slots, i)
		}
	}
	for i := 1; i < len(constrained); i++ {
		for j := i; j > 0 && position[itemKey(constrained[j-1])] > position[itemKey(constrained[j])]; j-- {
			constrained[j-1], constrained[j] = constrained[j], constrained[j-1]
		}
	}
	for k, slot := range slots {
		items[slot] = constrained[k]
	}
}

func itemKey(it *queue.Item) string {
	return remoteJoin(filepath.ToSlash(it.Path), it.Name)
}

func parentKey(key string) string {
	return gopath.Dir(key)
}

func remoteJoin(dir, name string) string {
	if dir == "" {
		return name
	}
	return gopath.Join(dir, name)
}
