package catpt

import (
	"fmt"
)

// streamTemplate describes the firmware modules and audio path of one stream type.
type streamTemplate struct {
	path    PathID
	typ     StreamType
	modules []ModuleID

	// Filled in by armTemplates.
	persistentSize uint32
	entries        []moduleEntry
}

// topology lists one template per stream type, indexed by StreamType.
var topology = [...]streamTemplate{
	CATPT_STRM_TYPE_RENDER: {
		path:    CATPT_PATH_SSP0_OUT,
		typ:     CATPT_STRM_TYPE_RENDER,
		modules: []ModuleID{CATPT_MODID_PCM},
	},
	CATPT_STRM_TYPE_SYSTEM: {
		path:    CATPT_PATH_SSP0_OUT,
		typ:     CATPT_STRM_TYPE_SYSTEM,
		modules: []ModuleID{CATPT_MODID_PCM_SYSTEM},
	},
	CATPT_STRM_TYPE_CAPTURE: {
		path:    CATPT_PATH_SSP0_IN,
		typ:     CATPT_STRM_TYPE_CAPTURE,
		modules: []ModuleID{CATPT_MODID_PCM_CAPTURE},
	},
	CATPT_STRM_TYPE_LOOPBACK: {
		path:    CATPT_PATH_SSP0_OUT,
		typ:     CATPT_STRM_TYPE_LOOPBACK,
		modules: []ModuleID{CATPT_MODID_PCM_REFERENCE},
	},
	CATPT_STRM_TYPE_BLUETOOTH_RENDER: {
		path:    CATPT_PATH_SSP1_OUT,
		typ:     CATPT_STRM_TYPE_BLUETOOTH_RENDER,
		modules: []ModuleID{CATPT_MODID_BLUETOOTH_RENDER},
	},
	CATPT_STRM_TYPE_BLUETOOTH_CAPTURE: {
		path:    CATPT_PATH_SSP1_IN,
		typ:     CATPT_STRM_TYPE_BLUETOOTH_CAPTURE,
		modules: []ModuleID{CATPT_MODID_BLUETOOTH_CAPTURE},
	},
}

// directionTemplates maps the two stream slots onto their templates.
var directionTemplates = [...]StreamType{
	StreamOut: CATPT_STRM_TYPE_SYSTEM,
	StreamIn:  CATPT_STRM_TYPE_CAPTURE,
}

// armTemplates resolves every template against the loaded modules and reserves the scratch area
// shared by all of them. Callers hold d.mu.
func (d *Device) armTemplates() error {
	var scratchSize uint32

	for i := range d.templates {
		t := &d.templates[i]
		t.persistentSize = 0
		t.entries = t.entries[:0]

		for _, id := range t.modules {
			m := d.modules[id]
			if !m.Loaded {
				return fmt.Errorf("template %s: module %s: %w", StreamTypeNames[t.typ], id, ErrNotFound)
			}

			t.entries = append(t.entries, moduleEntry{ModuleID: uint32(id), EntryPoint: m.EntryPoint})
			t.persistentSize += m.PersistentSize
			scratchSize = max(scratchSize, m.ScratchSize)
		}
	}

	if scratchSize == 0 || d.tree.Live(d.scratch) {
		return nil
	}

	res, ok := d.tree.RequestFirstFit(d.dram, uint64(scratchSize))
	if !ok {
		return fmt.Errorf("scratch area of %d bytes: %w", scratchSize, ErrDeviceBusy)
	}

	d.scratch = res

	return nil
}

// template returns the armed template of a stream slot.
func (d *Device) template(dir Direction) *streamTemplate {
	return &d.templates[directionTemplates[dir]]
}
