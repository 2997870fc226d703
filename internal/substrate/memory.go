package substrate

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/infrahq/lockbox/internal"
)

// Call describes one operation made against a Memory substrate.
type Call struct {
	Op   string
	ID   string
	Args []string
}

// Memory is an in-process Substrate. Each instance has its own root
// filesystem and named volumes are shared by name, like docker volumes.
// Execute understands the few commands lockbox runs: mkdir -p, mv -f,
// rm -f, rm -rf, ls -1A and true.
type Memory struct {
	mu        sync.Mutex
	instances map[string]*memInstance
	volumes   map[string]*memFS
	fail      func(Call) error
	now       func() time.Time
}

var _ Substrate = &Memory{}

type memInstance struct {
	id      string
	image   string
	running bool
	created time.Time
	mounts  []Mount
	rootfs  *memFS
}

type memFS struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newMemFS() *memFS {
	return &memFS{
		files: map[string][]byte{},
		dirs:  map[string]bool{".": true},
	}
}

func NewMemory() *Memory {
	return &Memory{
		instances: map[string]*memInstance{},
		volumes:   map[string]*memFS{},
		now:       time.Now,
	}
}

// FailWhen installs a hook consulted before every call. A non-nil error
// from the hook fails the call with that error. Pass nil to remove it.
func (m *Memory) FailWhen(fn func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fail = fn
}

// check runs before the call takes the lock, so a hook may block.
func (m *Memory) check(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: call.Op, ID: call.ID, Err: err}
	}

	m.mu.Lock()
	fail := m.fail
	m.mu.Unlock()

	if fail != nil {
		if err := fail(call); err != nil {
			return &Error{Op: call.Op, ID: call.ID, Err: err}
		}
	}

	return nil
}

func (m *Memory) instance(op, id string, running bool) (*memInstance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return nil, &Error{Op: op, ID: id, Err: fmt.Errorf("%w: no such instance", internal.ErrNotFound)}
	}

	if running && !inst.running {
		return nil, &Error{Op: op, ID: id, Err: fmt.Errorf("instance is not running")}
	}

	return inst, nil
}

// resolve returns the filesystem holding p and the path relative to it.
func (inst *memInstance) resolve(m *Memory, p string) (*memFS, string) {
	p = path.Clean("/" + p)

	var best *Mount
	for i, mnt := range inst.mounts {
		target := path.Clean(mnt.Target)
		if p == target || strings.HasPrefix(p, target+"/") {
			if best == nil || len(target) > len(path.Clean(best.Target)) {
				best = &inst.mounts[i]
			}
		}
	}

	if best == nil {
		return inst.rootfs, strings.TrimPrefix(p, "/")
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(p, path.Clean(best.Target)), "/")

	return m.volumes[best.Volume], rel
}

func relDir(rel string) string {
	if rel == "" {
		return "."
	}

	return rel
}

func (m *Memory) Create(ctx context.Context, id, image string, mounts []Mount) error {
	if err := m.check(ctx, Call{Op: "create", ID: id}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; ok {
		return &Error{Op: "create", ID: id, Err: fmt.Errorf("%w: instance exists", internal.ErrDuplicate)}
	}

	for _, mnt := range mounts {
		if _, ok := m.volumes[mnt.Volume]; !ok {
			m.volumes[mnt.Volume] = newMemFS()
		}
	}

	inst := &memInstance{
		id:      id,
		image:   image,
		running: true,
		created: m.now(),
		mounts:  append([]Mount(nil), mounts...),
		rootfs:  newMemFS(),
	}

	for _, mnt := range mounts {
		fs, rel := inst.resolve(m, path.Dir(path.Clean(mnt.Target)))
		fs.mkdirAll(rel)
	}

	m.instances[id] = inst

	return nil
}

func (m *Memory) Execute(ctx context.Context, id string, cmd ...string) (ExecResult, error) {
	if err := m.check(ctx, Call{Op: "exec", ID: id, Args: cmd}); err != nil {
		return ExecResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.instance("exec", id, true)
	if err != nil {
		return ExecResult{}, err
	}

	result := inst.run(m, cmd)
	if result.ExitCode != 0 {
		return result, &Error{
			Op:       "exec " + strings.Join(cmd, " "),
			ID:       id,
			ExitCode: result.ExitCode,
			Stderr:   string(result.Stderr),
			Err:      ErrCommandFailed,
		}
	}

	return result, nil
}

func (inst *memInstance) run(m *Memory, cmd []string) ExecResult {
	failf := func(code int, format string, args ...interface{}) ExecResult {
		return ExecResult{ExitCode: code, Stderr: []byte(fmt.Sprintf(format, args...) + "\n")}
	}

	if len(cmd) == 0 {
		return failf(127, "no command")
	}

	switch {
	case cmd[0] == "true":
		return ExecResult{}

	case cmd[0] == "mkdir" && len(cmd) > 2 && cmd[1] == "-p":
		for _, p := range cmd[2:] {
			fs, rel := inst.resolve(m, p)
			if _, ok := fs.files[rel]; ok {
				return failf(1, "mkdir: can't create directory '%s': File exists", p)
			}

			fs.mkdirAll(rel)
		}

		return ExecResult{}

	case cmd[0] == "mv" && len(cmd) == 4 && cmd[1] == "-f":
		srcFS, src := inst.resolve(m, cmd[2])
		dstFS, dst := inst.resolve(m, cmd[3])

		content, ok := srcFS.files[src]
		if !ok {
			return failf(1, "mv: can't rename '%s': No such file or directory", cmd[2])
		}

		if dstFS.dirs[relDir(dst)] {
			dst = path.Join(relDir(dst), path.Base(src))
		}

		if !dstFS.dirs[relDir(path.Dir(dst))] {
			return failf(1, "mv: can't rename '%s': No such file or directory", cmd[2])
		}

		delete(srcFS.files, src)
		dstFS.files[dst] = content

		return ExecResult{}

	case cmd[0] == "rm" && len(cmd) > 2 && (cmd[1] == "-f" || cmd[1] == "-rf"):
		for _, p := range cmd[2:] {
			fs, rel := inst.resolve(m, p)
			if fs.dirs[relDir(rel)] {
				if cmd[1] != "-rf" {
					return failf(1, "rm: can't remove '%s': Is a directory", p)
				}

				fs.removeAll(rel)

				continue
			}

			delete(fs.files, rel)
		}

		return ExecResult{}

	case cmd[0] == "ls" && len(cmd) == 3 && cmd[1] == "-1A":
		fs, rel := inst.resolve(m, cmd[2])
		if !fs.dirs[relDir(rel)] {
			return failf(1, "ls: %s: No such file or directory", cmd[2])
		}

		return ExecResult{Stdout: []byte(strings.Join(fs.list(rel), "\n") + "\n")}
	}

	return failf(127, "%s: not supported", strings.Join(cmd, " "))
}

func (fs *memFS) mkdirAll(rel string) {
	for d := relDir(rel); d != "." && d != "/"; d = path.Dir(d) {
		fs.dirs[d] = true
	}
}

func (fs *memFS) removeAll(rel string) {
	prefix := rel + "/"
	for name := range fs.files {
		if rel == "" || strings.HasPrefix(name, prefix) {
			delete(fs.files, name)
		}
	}

	for name := range fs.dirs {
		if name != "." && (rel == "" || name == rel || strings.HasPrefix(name, prefix)) {
			delete(fs.dirs, name)
		}
	}
}

func (fs *memFS) list(rel string) []string {
	var names []string

	for name := range fs.files {
		if path.Dir(name) == relDir(rel) {
			names = append(names, path.Base(name))
		}
	}

	for name := range fs.dirs {
		if name != "." && path.Dir(name) == relDir(rel) {
			names = append(names, path.Base(name))
		}
	}

	sort.Strings(names)

	return names
}

func (m *Memory) CopyIn(ctx context.Context, id, remotePath string, content []byte) error {
	if err := m.check(ctx, Call{Op: "copy in", ID: id, Args: []string{remotePath}}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.instance("copy in", id, false)
	if err != nil {
		return err
	}

	fs, rel := inst.resolve(m, remotePath)
	if !fs.dirs[relDir(path.Dir(rel))] {
		return &Error{Op: "copy in", ID: id, Err: fmt.Errorf("%w: %s", internal.ErrNotFound, path.Dir(remotePath))}
	}

	if fs.dirs[relDir(rel)] {
		return &Error{Op: "copy in", ID: id, Err: fmt.Errorf("%s is a directory", remotePath)}
	}

	fs.files[rel] = append([]byte{}, content...)

	return nil
}

func (m *Memory) CopyOut(ctx context.Context, id, remotePath string) ([]byte, error) {
	if err := m.check(ctx, Call{Op: "copy out", ID: id, Args: []string{remotePath}}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.instance("copy out", id, false)
	if err != nil {
		return nil, err
	}

	fs, rel := inst.resolve(m, remotePath)

	content, ok := fs.files[rel]
	if !ok {
		if fs.dirs[relDir(rel)] {
			return nil, &Error{Op: "copy out", ID: id, Err: fmt.Errorf("%s is a directory", remotePath)}
		}

		return nil, &Error{Op: "copy out", ID: id, Err: fmt.Errorf("%w: %s", internal.ErrNotFound, remotePath)}
	}

	return append([]byte{}, content...), nil
}

func (m *Memory) ListDirectory(ctx context.Context, id, dir string) ([]string, error) {
	if err := m.check(ctx, Call{Op: "list directory", ID: id, Args: []string{dir}}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.instance("list directory", id, true)
	if err != nil {
		return nil, err
	}

	fs, rel := inst.resolve(m, dir)
	if !fs.dirs[relDir(rel)] {
		return nil, &Error{Op: "list directory", ID: id, Err: fmt.Errorf("%w: %s", internal.ErrNotFound, dir)}
	}

	return fs.list(rel), nil
}

func (m *Memory) Stop(ctx context.Context, id string) error {
	if err := m.check(ctx, Call{Op: "stop", ID: id}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.instance("stop", id, false)
	if err != nil {
		return err
	}

	inst.running = false

	return nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := m.check(ctx, Call{Op: "remove", ID: id}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil
	}

	for _, mnt := range inst.mounts {
		delete(m.volumes, mnt.Volume)
	}

	delete(m.instances, id)

	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Instance, error) {
	if err := m.check(ctx, Call{Op: "list", ID: prefix}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var instances []Instance

	for id, inst := range m.instances {
		if !strings.HasPrefix(id, prefix) {
			continue
		}

		instances = append(instances, Instance{
			ID:      id,
			Running: inst.running,
			Created: inst.created,
			Labels:  map[string]string{labelManaged: "true", labelInstance: id, "image": inst.image},
		})
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})

	return instances, nil
}

// Volumes returns the names of the volumes that exist.
func (m *Memory) Volumes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.volumes))
	for name := range m.volumes {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
