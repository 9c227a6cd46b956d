package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/rule"
)

// Names of the maps shared by both directions.
const (
	MapDefaultAction = "default_action"
	MapCurrentUID    = "current_uid"
	MapDomainIPv4    = "domain_ipv4"
	MapDomainIPv6    = "domain_ipv6"
	MapDomainPass    = "domain_pass"
	MapDomainDeny    = "domain_deny"
)

// MaxUsers bounds the per-user default action map.
const MaxUsers = 1024

const bitmapSize = bitmap.Words * 4

// Manager is the eBPF sink: it owns the kernel maps the packet-path
// program reads and rewrites them on every flush.
type Manager struct {
	opts   Options
	loaded bool
	maps   map[string]*ebpf.Map
	specs  map[string]*ebpf.MapSpec

	dirMu    [3]sync.Mutex // indexed by rule.Direction
	policyMu sync.Mutex
}

// New creates a Manager. Call Load before flushing.
func New(opts Options) *Manager {
	return &Manager{
		opts:  opts,
		maps:  make(map[string]*ebpf.Map),
		specs: make(map[string]*ebpf.MapSpec),
	}
}

// MapName returns the kernel map name of a direction's table.
func MapName(dir rule.Direction, table string) string {
	return dir.String() + "_" + table
}

func lpmSpec(name string, keySize, valueSize uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.LPMTrie,
		KeySize:    keySize,
		ValueSize:  valueSize,
		MaxEntries: MapMaxEntries,
		Flags:      unix.BPF_F_NO_PREALLOC,
	}
}

func hashSpec(name string, keySize, valueSize, maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Hash,
		KeySize:    keySize,
		ValueSize:  valueSize,
		MaxEntries: maxEntries,
	}
}

// MapSpecs returns the specs of every map the Manager creates.
func MapSpecs() []*ebpf.MapSpec {
	var specs []*ebpf.MapSpec
	for _, dir := range rule.Directions {
		n := func(t string) string { return MapName(dir, t) }
		specs = append(specs,
			lpmSpec(n(compiler.TableSrcV4), 8, bitmapSize),
			lpmSpec(n(compiler.TableSrcV6), 20, bitmapSize),
			lpmSpec(n(compiler.TableDstV4), 8, bitmapSize),
			lpmSpec(n(compiler.TableDstV6), 20, bitmapSize),
			hashSpec(n(compiler.TableSrcPort), 2, bitmapSize, MapMaxEntries),
			hashSpec(n(compiler.TableDstPort), 2, bitmapSize, MapMaxEntries),
			hashSpec(n(compiler.TableProto), 1, bitmapSize, 256),
			hashSpec(n(compiler.TableAppUID), 4, bitmapSize, MapMaxEntries),
			hashSpec(n(compiler.TableUserID), 4, bitmapSize, MapMaxEntries),
			&ebpf.MapSpec{
				Name:       n(compiler.TableAction),
				Type:       ebpf.Array,
				KeySize:    4,
				ValueSize:  bitmapSize,
				MaxEntries: 1,
			},
		)
	}
	specs = append(specs,
		hashSpec(MapDefaultAction, 4, 4, MaxUsers+1),
		hashSpec(MapCurrentUID, 4, 4, 1),
		lpmSpec(MapDomainIPv4, 8, 8),
		lpmSpec(MapDomainIPv6, 20, 8),
		hashSpec(MapDomainPass, DomainNameLen, 8, MapMaxEntries),
		hashSpec(MapDomainDeny, DomainNameLen, 8, MapMaxEntries),
	)
	return specs
}

// Load creates the maps, or opens them from the pin path when a previous
// run left them pinned.
func (m *Manager) Load() error {
	slog.Info("creating eBPF maps", "pin_path", m.opts.PinPath)

	var mapOpts ebpf.MapOptions
	if m.opts.PinPath != "" {
		if err := checkBPFFS(m.opts.PinPath); err != nil {
			return err
		}
		if err := os.MkdirAll(m.opts.PinPath, 0o755); err != nil {
			return fmt.Errorf("create pin path: %w", err)
		}
		mapOpts.PinPath = m.opts.PinPath
	}

	for _, spec := range MapSpecs() {
		if m.opts.PinPath != "" {
			spec.Pinning = ebpf.PinByName
		}
		em, err := ebpf.NewMapWithOptions(spec, mapOpts)
		if err != nil {
			m.Close()
			return fmt.Errorf("create map %s: %w", spec.Name, err)
		}
		m.maps[spec.Name] = em
		m.specs[spec.Name] = spec
	}

	m.loaded = true
	slog.Info("eBPF maps ready", "maps", len(m.maps))
	return nil
}

// checkBPFFS verifies that path (or its nearest existing ancestor) is on
// a BPF filesystem.
func checkBPFFS(path string) error {
	var st unix.Statfs_t
	dir := path
	for {
		err := unix.Statfs(dir, &st)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("statfs %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("statfs %s: %w", path, err)
		}
		dir = parent
	}
	if uint32(st.Type) != uint32(unix.BPF_FS_MAGIC) {
		return fmt.Errorf("%s is not on a bpf filesystem (mount bpffs first)", path)
	}
	return nil
}

// IsLoaded returns true once Load has succeeded.
func (m *Manager) IsLoaded() bool {
	return m.loaded
}

// Map returns a named eBPF map, or nil if not found.
func (m *Manager) Map(name string) *ebpf.Map {
	return m.maps[name]
}

// MapStats returns per-map sizes in spec order.
func (m *Manager) MapStats() []MapStats {
	var out []MapStats
	for _, spec := range MapSpecs() {
		em, ok := m.maps[spec.Name]
		if !ok {
			continue
		}
		n, err := countKeys(em)
		if err != nil {
			slog.Debug("count map entries failed", "map", spec.Name, "err", err)
		}
		out = append(out, MapStats{
			Name:       spec.Name,
			Type:       spec.Type.String(),
			MaxEntries: spec.MaxEntries,
			Entries:    n,
		})
	}
	return out
}

// Close releases the map handles. Pinned maps stay in the kernel.
func (m *Manager) Close() error {
	for name, em := range m.maps {
		if err := em.Close(); err != nil {
			slog.Error("failed to close map", "map", name, "err", err)
		}
	}
	m.maps = make(map[string]*ebpf.Map)
	m.loaded = false
	return nil
}

// Teardown unpins every map and closes it.
func (m *Manager) Teardown() error {
	var errs []error
	for name, em := range m.maps {
		if m.opts.PinPath != "" {
			if err := em.Unpin(); err != nil {
				errs = append(errs, fmt.Errorf("unpin %s: %w", name, err))
			}
		}
	}
	m.Close()
	return errors.Join(errs...)
}
