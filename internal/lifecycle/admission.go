package lifecycle

import (
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// Limits are the per-user admission limits
type Limits struct {
	InstancesPerLab int
	LabsPerUser     int
}

// admission evaluates a request against a user's current instances. It is built
// fresh for every request.
type admission struct {
	instances []domain.Instance
	limits    Limits
	// exclude is left out of every count, used when an instance is restarted
	exclude string
}

func (a admission) counted() []domain.Instance {
	if a.exclude == "" {
		return a.instances
	}
	out := make([]domain.Instance, 0, len(a.instances))
	for _, inst := range a.instances {
		if inst.ID != a.exclude {
			out = append(out, inst)
		}
	}
	return out
}

// anotherLabActive rejects when any instance outside labID is ACTIVE
func (a admission) anotherLabActive(labID string) error {
	for _, inst := range a.counted() {
		if inst.LabID != labID && inst.Status == domain.StatusActive {
			return fmt.Errorf("%w: instance %s in lab %s", ErrAnotherLabActive, inst.ID, inst.LabID)
		}
	}
	return nil
}

// tooManyActive rejects when ACTIVE plus BUILDING instances in labID reach the limit
func (a admission) tooManyActive(labID string) error {
	running := 0
	for _, inst := range a.counted() {
		if inst.LabID == labID && inst.Status.Running() {
			running++
		}
	}
	if running >= a.limits.InstancesPerLab {
		return fmt.Errorf("%w: %d of %d", ErrTooManyActiveInstancesInLab, running, a.limits.InstancesPerLab)
	}
	return nil
}

// tooManyLabs rejects when the user already has instances in the maximum number of
// other labs
func (a admission) tooManyLabs(labID string) error {
	labs := map[string]struct{}{}
	for _, inst := range a.counted() {
		if inst.LabID != labID && inst.Status.Existing() {
			labs[inst.LabID] = struct{}{}
		}
	}
	if len(labs) >= a.limits.LabsPerUser {
		return fmt.Errorf("%w: %d of %d", ErrTooManyLabs, len(labs), a.limits.LabsPerUser)
	}
	return nil
}

// nameTaken rejects an explicit name already used in labID
func (a admission) nameTaken(labID, name string) error {
	if name == "" {
		return nil
	}
	for _, inst := range a.counted() {
		if inst.LabID == labID && inst.Name == name && inst.Status.Existing() {
			return fmt.Errorf("%w: %s", ErrInstanceAlreadyExists, name)
		}
	}
	return nil
}

// forCreate runs every check a new instance must pass
func (a admission) forCreate(labID, name string) error {
	for _, check := range []func() error{
		func() error { return a.anotherLabActive(labID) },
		func() error { return a.tooManyActive(labID) },
		func() error { return a.tooManyLabs(labID) },
		func() error { return a.nameTaken(labID, name) },
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// forStart runs the checks an instance being brought to ACTIVE must pass
func (a admission) forStart(labID string) error {
	if err := a.anotherLabActive(labID); err != nil {
		return err
	}
	return a.tooManyActive(labID)
}

// existingInLab counts the user's instances in labID that still exist
func existingInLab(instances []domain.Instance, labID string) int {
	n := 0
	for _, inst := range instances {
		if inst.LabID == labID && inst.Status.Existing() {
			n++
		}
	}
	return n
}
