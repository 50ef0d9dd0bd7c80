package state

import (
	"errors"
	"fmt"

	"github.com/trymwestin/blinkd/internal/core/blinkapi"
)

// ErrReconcile marks a raw snapshot too malformed to derive state from. The
// cycle's update is discarded and the prior canonical state retained.
var ErrReconcile = errors.New("state: reconcile")

// cameraStatusOnline maps raw camera status strings to online/offline.
// Statuses are mapped explicitly rather than inferred from armed state: a
// camera can be offline while the system is armed and vice versa.
var cameraStatusOnline = map[string]bool{
	"done":    true,
	"online":  true,
	"offline": false,
	"error":   false,
}

// Reconcile derives the canonical state from a raw homescreen snapshot.
//
// The system state comes only from the account-level Network armed flags;
// SyncModule flags are informational and known to report armed while the
// account is actually disarmed. Reconcile is pure: the same snapshot always
// yields the same canonical state and the same warnings.
func Reconcile(h *blinkapi.Homescreen) (CanonicalState, []string, error) {
	if h == nil {
		return CanonicalState{}, nil, fmt.Errorf("%w: nil snapshot", ErrReconcile)
	}
	if len(h.Networks) == 0 {
		return CanonicalState{}, nil, fmt.Errorf("%w: snapshot has no networks", ErrReconcile)
	}

	armed := false
	for _, n := range h.Networks {
		if n.Armed {
			armed = true
			break
		}
	}

	cs := CanonicalState{System: SystemDisarmed, Cameras: make(map[string]CameraState, len(h.Cameras))}
	if armed {
		cs.System = SystemArmedAway
	}

	var warnings []string
	for _, cam := range h.Cameras {
		if cam.Name == "" {
			return CanonicalState{}, nil, fmt.Errorf("%w: camera %d has no name", ErrReconcile, cam.ID)
		}
		online, known := cameraStatusOnline[cam.Status]
		if !known {
			warnings = append(warnings, fmt.Sprintf("camera %q: unknown status %q, treating as offline", cam.Name, cam.Status))
		}
		cs.Cameras[cam.Name] = CameraState{
			Online:      online,
			Temperature: cam.Signals.Temp,
			Thumbnail:   cam.Thumbnail,
		}
	}

	return cs, warnings, nil
}

// CameraDiff flags which per-camera fields changed between two states.
type CameraDiff struct {
	Online      bool
	Temperature bool
	Thumbnail   bool
}

func (d CameraDiff) empty() bool {
	return !d.Online && !d.Temperature && !d.Thumbnail
}

// Diff flags which canonical fields changed between two states. Only changed
// fields trigger a bus publish, keeping the bus quiet across identical cycles.
type Diff struct {
	System  bool
	Cameras map[string]CameraDiff
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.System && len(d.Cameras) == 0
}

// DiffStates compares two canonical states field by field. A camera present
// in only one side counts as fully changed.
func DiffStates(prev, next CanonicalState) Diff {
	d := Diff{Cameras: make(map[string]CameraDiff)}
	if prev.System != next.System {
		d.System = true
	}

	for name, nc := range next.Cameras {
		pc, ok := prev.Cameras[name]
		if !ok {
			d.Cameras[name] = CameraDiff{Online: true, Temperature: true, Thumbnail: true}
			continue
		}
		cd := CameraDiff{
			Online:      pc.Online != nc.Online,
			Temperature: !tempEqual(pc.Temperature, nc.Temperature),
			Thumbnail:   pc.Thumbnail != nc.Thumbnail,
		}
		if !cd.empty() {
			d.Cameras[name] = cd
		}
	}
	for name := range prev.Cameras {
		if _, ok := next.Cameras[name]; !ok {
			d.Cameras[name] = CameraDiff{Online: true, Temperature: true, Thumbnail: true}
		}
	}
	return d
}

func tempEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
