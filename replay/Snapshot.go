package replay

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorgonia.org/tensor"
)

// Snapshot layout: one directory per sub-buffer holding one .npy
// dataset per field, plus a metadata.json document at the root
// recording the configuration, per-buffer cursors and sizes, and the
// prioritized state. Loading validates the metadata against the
// caller's Config and restores FIFO order, episode boundaries, and
// priority state exactly.

const metadataFile = "metadata.json"

type bufferMeta struct {
	Capacity    int     `json:"capacity"`
	Size        int     `json:"size"`
	Cursor      int     `json:"cursor"`
	Count       int     `json:"count"`
	LastWritten int     `json:"last_written"`
	EpReturn    float64 `json:"ep_return"`
	EpLength    int     `json:"ep_length"`
}

type snapshotMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Capacity        int     `json:"capacity"`
	BufferCount     int     `json:"buffer_count"`
	ObsDim          int     `json:"obs_dim"`
	ActionDim       int     `json:"action_dim"`
	StackNum        int     `json:"stack_num"`
	IgnoreObsNext   bool    `json:"ignore_obs_next"`
	SaveOnlyLastObs bool    `json:"save_only_last_obs"`
	Extras          []Field `json:"extras,omitempty"`

	Prioritized bool    `json:"prioritized"`
	Alpha       float64 `json:"alpha,omitempty"`
	Beta        float64 `json:"beta,omitempty"`
	MaxPriority float64 `json:"max_priority,omitempty"`

	Buffers []bufferMeta `json:"buffers"`
}

// bufferDir names the directory of the k-th sub-buffer's datasets
func bufferDir(dir string, k int) string {
	return filepath.Join(dir, fmt.Sprintf("buffer_%03d", k))
}

// writeNpy writes data as a rows x cols float64 npy dataset
func writeNpy(path string, data []float64, rows, cols int) error {
	t := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writeNpy: %v", err)
	}
	defer f.Close()

	if err := t.WriteNpy(f); err != nil {
		return fmt.Errorf("writeNpy: %v: %v", path, err)
	}
	return nil
}

// readNpy reads a float64 npy dataset and verifies its element count
func readNpy(path string, want int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("readNpy: %v", err)
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, fmt.Errorf("readNpy: %v: %v", path, err)
	}
	data, ok := t.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("readNpy: %v: dataset is not float64", path)
	}
	if len(data) != want {
		return nil, fmt.Errorf("readNpy: %v: %v elements, want %v", path,
			len(data), want)
	}
	return data, nil
}

// boolsToFloats encodes flags as a 0/1 column for npy storage
func boolsToFloats(flags []bool) []float64 {
	out := make([]float64, len(flags))
	for i, f := range flags {
		if f {
			out[i] = 1
		}
	}
	return out
}

// floatsToBools decodes a 0/1 column back into flags
func floatsToBools(data []float64) []bool {
	out := make([]bool, len(data))
	for i, v := range data {
		out[i] = v != 0
	}
	return out
}

// Save serializes the manager's buffers and metadata under dir,
// creating it if needed
func (m *Manager) Save(dir string) error {
	return m.save(dir, nil)
}

// Save serializes the manager's buffers, priorities, and metadata
// under dir, creating it if needed
func (p *PrioritizedManager) Save(dir string) error {
	return p.Manager.save(dir, p)
}

func (m *Manager) save(dir string, p *PrioritizedManager) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save: %v", err)
	}

	meta := snapshotMeta{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),

		Capacity:        m.cfg.Capacity,
		BufferCount:     m.cfg.BufferCount,
		ObsDim:          m.cfg.ObsDim,
		ActionDim:       m.cfg.ActionDim,
		StackNum:        m.cfg.StackNum,
		IgnoreObsNext:   m.cfg.IgnoreObsNext,
		SaveOnlyLastObs: m.cfg.SaveOnlyLastObs,
		Extras:          m.cfg.Extras,

		Buffers: make([]bufferMeta, len(m.buffers)),
	}
	if p != nil {
		meta.Prioritized = true
		meta.Alpha = p.alpha
		meta.Beta = p.beta
		meta.MaxPriority = p.maxPrio
	}

	for k, b := range m.buffers {
		sub := bufferDir(dir, k)
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("save: %v", err)
		}

		datasets := []struct {
			name string
			data []float64
			cols int
		}{
			{"obs.npy", b.obs, b.obsDim},
			{"act.npy", b.act, b.actDim},
			{"rew.npy", b.rew, 1},
			{"terminated.npy", boolsToFloats(b.terminated), 1},
			{"truncated.npy", boolsToFloats(b.truncated), 1},
		}
		if !b.ignoreObsNext {
			datasets = append(datasets, struct {
				name string
				data []float64
				cols int
			}{"obs_next.npy", b.obsNext, b.obsDim})
		}
		for _, field := range b.fields {
			datasets = append(datasets, struct {
				name string
				data []float64
				cols int
			}{field.Name + ".npy", b.extras[field.Name], field.Dim})
		}
		if p != nil {
			datasets = append(datasets, struct {
				name string
				data []float64
				cols int
			}{"priority.npy", p.prios[k], 1})
		}

		for _, ds := range datasets {
			if err := writeNpy(filepath.Join(sub, ds.name), ds.data,
				b.capacity, ds.cols); err != nil {
				return err
			}
		}

		meta.Buffers[k] = bufferMeta{
			Capacity:    b.capacity,
			Size:        b.size,
			Cursor:      b.cursor,
			Count:       b.count,
			LastWritten: b.lastWritten,
			EpReturn:    b.epReturn,
			EpLength:    b.epLength,
		}
	}

	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), encoded,
		0o644); err != nil {
		return fmt.Errorf("save: %v", err)
	}
	return nil
}

// Load restores a uniformly-sampled manager from a snapshot directory.
// The supplied Config must match the snapshot's recorded configuration.
func Load(dir string, cfg Config) (*Manager, error) {
	m, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}
	if err := load(dir, m, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadPrioritized restores a priority-sampled manager from a snapshot
// directory. The supplied Config must match the snapshot's recorded
// configuration.
func LoadPrioritized(dir string, cfg Config) (*PrioritizedManager, error) {
	p, err := NewPrioritizedManager(cfg)
	if err != nil {
		return nil, err
	}
	if err := load(dir, p.Manager, p); err != nil {
		return nil, err
	}
	return p, nil
}

func load(dir string, m *Manager, p *PrioritizedManager) error {
	encoded, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return fmt.Errorf("load: %v", err)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return fmt.Errorf("load: %v", err)
	}

	if err := checkMeta(meta, m.cfg, p != nil); err != nil {
		return err
	}

	for k, b := range m.buffers {
		bm := meta.Buffers[k]
		if bm.Capacity != b.capacity {
			return &BufferError{
				Op: fmt.Sprintf("load: buffer %v capacity %v, want %v", k,
					bm.Capacity, b.capacity),
				Err: errInvalidConfig,
			}
		}
		// A corrupted snapshot must fail here, not as an index panic
		// on the first read
		if bm.Size < 0 || bm.Size > b.capacity ||
			bm.Cursor < 0 || bm.Cursor >= b.capacity ||
			bm.LastWritten < -1 || bm.LastWritten >= b.capacity {
			return &BufferError{
				Op: fmt.Sprintf("load: buffer %v state out of bounds "+
					"(size %v, cursor %v, last written %v, capacity %v)", k,
					bm.Size, bm.Cursor, bm.LastWritten, b.capacity),
				Err: errInvalidConfig,
			}
		}

		sub := bufferDir(dir, k)
		if b.obs, err = readNpy(filepath.Join(sub, "obs.npy"),
			b.capacity*b.obsDim); err != nil {
			return err
		}
		if b.act, err = readNpy(filepath.Join(sub, "act.npy"),
			b.capacity*b.actDim); err != nil {
			return err
		}
		if b.rew, err = readNpy(filepath.Join(sub, "rew.npy"),
			b.capacity); err != nil {
			return err
		}
		terminated, err := readNpy(filepath.Join(sub, "terminated.npy"),
			b.capacity)
		if err != nil {
			return err
		}
		b.terminated = floatsToBools(terminated)
		truncated, err := readNpy(filepath.Join(sub, "truncated.npy"),
			b.capacity)
		if err != nil {
			return err
		}
		b.truncated = floatsToBools(truncated)
		if !b.ignoreObsNext {
			if b.obsNext, err = readNpy(filepath.Join(sub, "obs_next.npy"),
				b.capacity*b.obsDim); err != nil {
				return err
			}
		}
		for _, field := range b.fields {
			if b.extras[field.Name], err = readNpy(
				filepath.Join(sub, field.Name+".npy"),
				b.capacity*field.Dim); err != nil {
				return err
			}
		}

		b.size = bm.Size
		b.cursor = bm.Cursor
		b.count = bm.Count
		b.lastWritten = bm.LastWritten
		b.epReturn = bm.EpReturn
		b.epLength = bm.EpLength

		if p != nil {
			prios, err := readNpy(filepath.Join(sub, "priority.npy"),
				b.capacity)
			if err != nil {
				return err
			}
			p.prios[k] = prios
			for i, prio := range prios {
				if prio > 0 {
					if err := p.trees[k].Update(i,
						math.Pow(prio, p.alpha)); err != nil {
						return err
					}
				}
			}
		}
	}

	if p != nil {
		p.maxPrio = meta.MaxPriority
	}
	return nil
}

// checkMeta validates a snapshot's recorded configuration against the
// configuration it is being loaded into
func checkMeta(meta snapshotMeta, cfg Config, prioritized bool) error {
	mismatch := func(what string) error {
		return &BufferError{
			Op:  "load: snapshot " + what + " differs from configuration",
			Err: errInvalidConfig,
		}
	}

	switch {
	case meta.Capacity != cfg.Capacity:
		return mismatch("capacity")
	case meta.BufferCount != cfg.BufferCount:
		return mismatch("buffer count")
	case meta.ObsDim != cfg.ObsDim:
		return mismatch("obs dim")
	case meta.ActionDim != cfg.ActionDim:
		return mismatch("action dim")
	case meta.StackNum != cfg.StackNum:
		return mismatch("stack num")
	case meta.IgnoreObsNext != cfg.IgnoreObsNext:
		return mismatch("ignore obs next")
	case meta.SaveOnlyLastObs != cfg.SaveOnlyLastObs:
		return mismatch("save only last obs")
	case meta.Prioritized != prioritized:
		return mismatch("prioritization")
	case len(meta.Buffers) != cfg.BufferCount:
		return mismatch("buffer list")
	case len(meta.Extras) != len(cfg.Extras):
		return mismatch("extra fields")
	}
	for i, field := range cfg.Extras {
		if meta.Extras[i] != field {
			return mismatch("extra fields")
		}
	}
	return nil
}
